package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPromptManager_SharedContextOrder(t *testing.T) {
	tempDir := t.TempDir()

	files := map[string]string{
		"identity.md":     "Identity Content",
		"soul.md":         "Soul Content",
		"capabilities.md": "Capabilities Content",
		"user.md":         "User Content",
		"extra.md":        "Extra Content",
		"writer.md":       "Custom Writer Prompt",
		"notes.txt":       "Ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	pm := NewPromptManager(tempDir)
	prompt, err := pm.Prompt(Researcher)
	if err != nil {
		t.Fatal(err)
	}

	for _, part := range []string{"You are the researcher", "Identity Content", "Soul Content", "Capabilities Content", "User Content", "Extra Content"} {
		if !strings.Contains(prompt, part) {
			t.Errorf("Prompt missing expected part: %s", part)
		}
	}
	if strings.Contains(prompt, "Custom Writer Prompt") {
		t.Error("another worker's prompt leaked into shared context")
	}
	if strings.Contains(prompt, "Ignored") {
		t.Error("non-markdown file included")
	}

	order := []string{"Identity Content", "Soul Content", "Capabilities Content", "User Content", "Extra Content"}
	for i := 1; i < len(order); i++ {
		if strings.Index(prompt, order[i-1]) >= strings.Index(prompt, order[i]) {
			t.Errorf("%s should be before %s", order[i-1], order[i])
		}
	}
}

func TestPromptManager_WorkerOverride(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempDir, "writer.md"), []byte("Custom Writer Prompt\n"), 0644); err != nil {
		t.Fatal(err)
	}

	pm := NewPromptManager(tempDir)
	prompt, err := pm.Prompt(Writer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(prompt, "Custom Writer Prompt") {
		t.Errorf("override not used: %q", prompt[:40])
	}
	if strings.Contains(prompt, "You are the writer") {
		t.Error("default prompt still present")
	}
}

func TestPromptManager_Defaults(t *testing.T) {
	pm := NewPromptManager(filepath.Join(t.TempDir(), "missing"))
	for _, w := range []string{Planner, Researcher, Analyst, Writer, Librarian, Chat} {
		prompt, err := pm.Prompt(w)
		if err != nil || prompt == "" {
			t.Fatalf("Prompt(%s) = %q, %v", w, prompt, err)
		}
	}
	plannerPrompt, _ := pm.Prompt(Planner)
	if strings.Contains(plannerPrompt, "coordinated by a supervisor") {
		t.Error("planner prompt should not carry the team context")
	}
	if _, err := pm.Prompt("oracle"); err == nil {
		t.Fatal("expected error for unknown worker")
	}
}
