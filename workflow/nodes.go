package workflow

import "github.com/BaSui01/ragflow/types"

// edges is the complete transition graph. No transition outside this set is
// ever recorded.
var edges = map[types.NodeID][]types.NodeID{
	types.NodeStart:          {types.NodeRewrite},
	types.NodeRewrite:        {types.NodePublishQuery},
	types.NodePublishQuery:   {types.NodeNeedMoreInfo},
	types.NodeNeedMoreInfo:   {types.NodeChooseSource, types.NodeLoopback},
	types.NodeChooseSource:   {types.NodeRetrieve},
	types.NodeRetrieve:       {types.NodePublishContext},
	types.NodePublishContext: {types.NodeEnhanceQuery},
	types.NodeEnhanceQuery:   {types.NodeGenerate},
	types.NodeGenerate:       {types.NodeGradeAnswer},
	types.NodeGradeAnswer:    {types.NodeAccept, types.NodeLoopback},
	types.NodeLoopback:       {types.NodeRewrite},
}

// LegalTransition reports whether (from, to) is an edge of the graph.
func LegalTransition(from, to types.NodeID) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Decision strings recorded on branching transitions.
const (
	decisionYes = "yes"
	decisionNo  = "no"
)
