package rag

import (
	"strings"

	"github.com/BaSui01/ragflow/types"
)

var comparativeTerms = []string{"compare", " vs ", " vs.", "versus", "differ"}

// DetectMode picks a knowledge-store retrieval mode from lexical features of
// the query: comparative phrasing wants the broad global neighborhood, a
// short "what is X" question wants the local one, and everything else uses
// hybrid.
func DetectMode(query string) types.KnowledgeMode {
	q := " " + strings.ToLower(strings.TrimSpace(query)) + " "
	for _, term := range comparativeTerms {
		if strings.Contains(q, term) {
			return types.ModeGlobal
		}
	}
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if strings.HasPrefix(trimmed, "what is ") && len(strings.Fields(trimmed)) <= 6 {
		return types.ModeLocal
	}
	return types.ModeHybrid
}
