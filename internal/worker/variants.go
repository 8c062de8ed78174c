package worker

import (
	"github.com/tmc/langchaingo/llms"
)

// Tool sets handed to each built-in worker.
var (
	ResearcherTools = []string{"web_search", "hn_search", "arxiv_search", "arxiv_details", "read_url"}
	WriterTools     = []string{"save_file", "save_as_pdf"}
	LibrarianTools  = []string{"index_content", "search_knowledge"}
	ChatTools       = []string{"schedule_research"}
)

// Owners lists the workers the planner may assign steps to.
var Owners = []string{Researcher, Analyst, Writer, Librarian, Chat}

func NewPlanner(model llms.Model, prompts *PromptManager) *PlannerAgent {
	return &PlannerAgent{Model: model, Prompts: prompts, Owners: Owners}
}

func NewResearcher(model llms.Model, prompts *PromptManager) *Agent {
	return &Agent{WorkerName: Researcher, Model: model, Prompts: prompts, ToolNames: ResearcherTools}
}

// NewAnalyst has no tools; it only reasons over earlier results.
func NewAnalyst(model llms.Model, prompts *PromptManager) *Agent {
	return &Agent{WorkerName: Analyst, Model: model, Prompts: prompts, MaxSteps: 1}
}

func NewWriter(model llms.Model, prompts *PromptManager) *Agent {
	return &Agent{WorkerName: Writer, Model: model, Prompts: prompts, ToolNames: WriterTools}
}

func NewLibrarian(model llms.Model, prompts *PromptManager) *Agent {
	return &Agent{WorkerName: Librarian, Model: model, Prompts: prompts, ToolNames: LibrarianTools}
}

func NewChat(model llms.Model, prompts *PromptManager) *Agent {
	return &Agent{WorkerName: Chat, Model: model, Prompts: prompts, ToolNames: ChatTools, MaxSteps: 3}
}

// Team builds the full closed set of workers keyed by name.
func Team(model llms.Model, prompts *PromptManager) map[string]Worker {
	workers := []Worker{
		NewPlanner(model, prompts),
		NewResearcher(model, prompts),
		NewAnalyst(model, prompts),
		NewWriter(model, prompts),
		NewLibrarian(model, prompts),
		NewChat(model, prompts),
	}
	team := make(map[string]Worker, len(workers))
	for _, w := range workers {
		team[w.Name()] = w
	}
	return team
}

// ToolPolicy maps each worker to the tools it may call, for the governance
// engine.
func ToolPolicy() map[string][]string {
	return map[string][]string{
		Researcher: ResearcherTools,
		Analyst:    {},
		Writer:     WriterTools,
		Librarian:  LibrarianTools,
		Chat:       ChatTools,
	}
}
