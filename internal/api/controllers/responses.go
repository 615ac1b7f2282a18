package controllers

import "github.com/labstack/echo/v5"

type ErrorResponse struct {
	Error string `json:"error"`
}

func jsonError(c *echo.Context, code int, msg string) error {
	return c.JSON(code, ErrorResponse{Error: msg})
}
