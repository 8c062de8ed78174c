package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const teamContext = `You are one member of a research team coordinated by a supervisor.
Team: planner (breaks requests into steps), researcher (finds sources and fetches their content),
analyst (evaluates, selects and summarizes), writer (produces and saves reports),
librarian (manages the knowledge index), chat (general conversation).
Work ONLY on the current step you are given. Do not attempt work that belongs to another member.`

var defaultPrompts = map[string]string{
	Planner: `You are the planner. Turn the user's request into a short ordered list of high-level steps
and assign each step to the team member that should do it.
- Keep steps coarse: the researcher both finds and fetches sources, so do not split those.
- "save" or "write a report" means a file produced by the writer.
- Use the librarian only when the user mentions the knowledge index, memory or vector store.
- For follow-ups ("summarize it", "save that") plan only the new work.
Call propose_plan with the steps. If the message is a greeting or a simple question that needs no
tools, answer it directly in plain text instead of calling propose_plan.`,

	Researcher: `You are the researcher. Search for relevant sources and fetch their content.
1. SEARCH with the search tools. Unless told otherwise, collect 5 sources.
2. FETCH the content of the most relevant ones with read_url or arxiv_details. Limit your tool calls.
3. STOP and output the raw material.
Do not summarize and do not pick a winner; the analyst does that. You cannot save files.
Output format:
1. [Title] ([URL])
   [extracted text]
2. ...`,

	Analyst: `You are the analyst. Evaluate the material gathered in earlier steps.
Never judge an item by its title or URL alone. If you only have links, reply with
"MISSING_CONTENT: content must be fetched first." and nothing else.
Otherwise answer with these markdown sections:
### ANALYSIS
### SELECTION (prefix each pick with "SELECTED:" and give the reason)
### JUSTIFICATION
### SUMMARY`,

	Writer: `You are the writer. Write a complete report from the relevant findings of earlier steps.
Use save_file for markdown or text, and save_as_pdf only when a PDF is requested.
If save_as_pdf keeps failing, fall back to save_file and say so.
You cannot write to the knowledge index. Once the file is saved, include the phrase
"File saved successfully" and the file location in your answer.`,

	Librarian: `You are the librarian and manage the knowledge index.
Use index_content to store new material and search_knowledge to recall it.
Report every action as:
### Indexing Report
- **ID**: ...
- **Source**: ...
- **Content**: short preview
- **Status**: success or error details`,

	Chat: `You are a helpful assistant handling general conversation and simple questions.
You can schedule a research request to run periodically with schedule_research when asked.`,
}

// sharedOrder fixes where the well-known context files land in the prompt.
var sharedOrder = map[string]int{
	"identity.md":     1,
	"soul.md":         2,
	"capabilities.md": 3,
	"user.md":         4,
}

// PromptManager builds worker system prompts. Files named after a worker
// (researcher.md) replace that worker's default prompt; every other .md file
// in Directory is shared context appended to all prompts.
type PromptManager struct {
	Directory string
	Logger    *slog.Logger
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir, Logger: slog.Default()}
}

// Prompt returns the system prompt for the named worker.
func (pm *PromptManager) Prompt(worker string) (string, error) {
	base, err := pm.workerPrompt(worker)
	if err != nil {
		return "", err
	}
	parts := []string{base}
	if worker != Planner {
		parts = append(parts, teamContext)
	}
	shared, err := pm.sharedContext()
	if err != nil {
		return "", err
	}
	parts = append(parts, shared...)
	return strings.Join(parts, "\n\n---\n\n"), nil
}

func (pm *PromptManager) workerPrompt(worker string) (string, error) {
	if pm.Directory != "" {
		data, err := os.ReadFile(filepath.Join(pm.Directory, worker+".md"))
		switch {
		case err == nil:
			return strings.TrimSpace(string(data)), nil
		case !os.IsNotExist(err):
			return "", fmt.Errorf("failed to read %s prompt: %w", worker, err)
		}
	}
	prompt, ok := defaultPrompts[worker]
	if !ok {
		return "", fmt.Errorf("no prompt for worker %q", worker)
	}
	return prompt, nil
}

func (pm *PromptManager) sharedContext() ([]string, error) {
	if pm.Directory == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(pm.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read prompts directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		oi, okI := sharedOrder[entries[i].Name()]
		oj, okJ := sharedOrder[entries[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return entries[i].Name() < entries[j].Name()
	})

	var contents []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		if _, isWorker := defaultPrompts[strings.TrimSuffix(name, ".md")]; isWorker {
			continue
		}
		path := filepath.Join(pm.Directory, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if pm.Logger != nil {
				pm.Logger.Warn("failed to read prompt file", "path", path, "error", err)
			}
			continue
		}
		contents = append(contents, strings.TrimSpace(string(data)))
	}
	return contents, nil
}
