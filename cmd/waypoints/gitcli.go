package main

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// gitCLI implements journey.GitService by shelling out to git in the
// project directory.
type gitCLI struct {
	dir string
}

func (g *gitCLI) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errOut.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(out.String()), nil
}

func (g *gitCLI) IsGitRepo() bool {
	out, err := g.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (g *gitCLI) Commit(message string) (string, error) {
	if _, err := g.run("add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run("commit", "-m", message); err != nil {
		return "", err
	}
	return g.run("rev-parse", "HEAD")
}

func (g *gitCLI) Tag(name, ref string) error {
	_, err := g.run("tag", "-f", name, ref)
	return err
}

func (g *gitCLI) ResetHard(ref string) error {
	_, err := g.run("reset", "--hard", ref)
	return err
}

func (g *gitCLI) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

func (g *gitCLI) HeadCommit() (string, error) {
	return g.run("rev-parse", "HEAD")
}
