package main

import (
	"bytes"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "ahiretrieve version dev") {
		t.Errorf("output = %q", out)
	}
}

func TestRetrieveRequiresInput(t *testing.T) {
	_, err := execute(t, "retrieve")
	if err == nil || !strings.Contains(err.Error(), "--input") {
		t.Errorf("err = %v", err)
	}
}

func TestRetrieveRejectsBadFormat(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "retrieve", "-i", "x.json", "-f", "png", "-r", "us-east-1")
	if err == nil || !strings.Contains(err.Error(), "output.format") {
		t.Errorf("err = %v", err)
	}
}
