package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestCommandTree(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	for _, path := range [][]string{
		{"keys", "issue"},
		{"keys", "list"},
		{"keys", "revoke"},
		{"migrate"},
		{"sweep"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("%s: not registered (%v)", strings.Join(path, " "), err)
		}
	}
}

// Argument checks run before any database connection is attempted.
func TestArgumentValidation(t *testing.T) {
	for _, args := range [][]string{
		{"keys", "issue"},
		{"keys", "revoke"},
		{"keys", "revoke", "a", "b"},
	} {
		root := newRootCmd(&bytes.Buffer{})
		root.SetArgs(args)
		root.SetErr(&bytes.Buffer{})
		if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "arg") {
			t.Errorf("%v: expected argument error, got %v", args, err)
		}
	}
}
