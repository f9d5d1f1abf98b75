package orchestrator

import (
	"strings"

	"github.com/conduit-orch/conduit/pkg/models"
)

// DefaultAgentType is assigned when no other selection rule matches.
const DefaultAgentType = "general"

// categoryTypes maps a task category to an agent type. Category wins
// over keyword matching but loses to an explicit task.AgentType.
var categoryTypes = map[string]string{
	"research":       "researcher",
	"analysis":       "researcher",
	"exploration":    "researcher",
	"build":          "builder",
	"implementation": "builder",
	"bugfix":         "builder",
	"review":         "reviewer",
	"test":           "reviewer",
	"verification":   "reviewer",
	"docs":           "writer",
	"documentation":  "writer",
}

// keywordRule binds a description keyword to an agent type.
type keywordRule struct {
	keyword   string
	agentType string
}

// typeKeywords is scanned in order; the first keyword contained in the
// task description wins. Order matters and must stay stable so that
// identical input always yields identical selection.
var typeKeywords = []keywordRule{
	{"find", "researcher"},
	{"search", "researcher"},
	{"analyze", "researcher"},
	{"investigate", "researcher"},
	{"explore", "researcher"},
	{"review", "reviewer"},
	{"verify", "reviewer"},
	{"audit", "reviewer"},
	{"test", "reviewer"},
	{"document", "writer"},
	{"readme", "writer"},
	{"changelog", "writer"},
	{"implement", "builder"},
	{"build", "builder"},
	{"fix", "builder"},
	{"refactor", "builder"},
	{"create", "builder"},
}

// TypeSelector selects an agent type for a task.
type TypeSelector struct {
	categories  map[string]string
	keywords    []keywordRule
	defaultType string
}

// NewTypeSelector creates a TypeSelector with the default category table
// and keyword rules.
func NewTypeSelector() *TypeSelector {
	cats := make(map[string]string, len(categoryTypes))
	for k, v := range categoryTypes {
		cats[k] = v
	}
	return &TypeSelector{
		categories:  cats,
		keywords:    append([]keywordRule{}, typeKeywords...),
		defaultType: DefaultAgentType,
	}
}

// Select resolves the agent type for a task. It checks, in order:
//  1. An explicit task.AgentType
//  2. The category lookup table
//  3. Keyword matching against the task description
//  4. The default type
//
// Selection is deterministic for identical input.
func (s *TypeSelector) Select(task *models.Task) string {
	if task.AgentType != "" {
		return task.AgentType
	}

	if task.Category != "" {
		if t, ok := s.categories[strings.ToLower(task.Category)]; ok {
			return t
		}
	}

	lowerDesc := strings.ToLower(task.Description)
	for _, rule := range s.keywords {
		if strings.Contains(lowerDesc, rule.keyword) {
			return rule.agentType
		}
	}

	return s.defaultType
}
