package ci_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readWorkflow(t *testing.T, name string) string {
	t.Helper()
	fullPath := filepath.Join("..", "..", ".github", "workflows", name)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		t.Fatalf("read workflow %q: %v", name, err)
	}
	return string(data)
}

func TestTestWorkflowProvisionsPostgres(t *testing.T) {
	workflow := readWorkflow(t, "go-tests.yml")
	// internal/authkitpg skips its session store tests unless APP_TEST_PG_URL is set.
	for _, snippet := range []string{
		"go test ./...",
		"image: postgres:",
		"APP_TEST_PG_URL: postgres://",
		"go-version-file: go.mod",
	} {
		if !strings.Contains(workflow, snippet) {
			t.Fatalf("go-tests.yml missing %q", snippet)
		}
	}
}

func TestReleaseWorkflowBuildsImage(t *testing.T) {
	workflow := readWorkflow(t, "release.yml")
	for _, snippet := range []string{"/delegauth", "docker build", "docker push", "tags: [\"v*\"]"} {
		if !strings.Contains(workflow, snippet) {
			t.Fatalf("release.yml missing %q", snippet)
		}
	}

	dockerfile, err := os.ReadFile(filepath.Join("..", "..", "Dockerfile"))
	if err != nil {
		t.Fatalf("read Dockerfile: %v", err)
	}
	for _, snippet := range []string{"./cmd/server", "/usr/local/bin/delegauth"} {
		if !strings.Contains(string(dockerfile), snippet) {
			t.Fatalf("Dockerfile missing %q", snippet)
		}
	}
}
