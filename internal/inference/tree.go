package inference

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

// TreeNode is one node of a gradient-boosted tree in the JSON dump format
// written by XGBoost's dump_model(..., dump_format="json").
type TreeNode struct {
	NodeID         int         `json:"nodeid"`
	Depth          int         `json:"depth,omitempty"`
	Split          string      `json:"split,omitempty"`
	SplitCondition float64     `json:"split_condition,omitempty"`
	Yes            int         `json:"yes,omitempty"`
	No             int         `json:"no,omitempty"`
	Missing        int         `json:"missing,omitempty"`
	Children       []*TreeNode `json:"children,omitempty"`
	Leaf           *float64    `json:"leaf,omitempty"`
}

// compiledNode is a TreeNode with its split feature and children resolved.
type compiledNode struct {
	leaf      float64
	isLeaf    bool
	feature   int
	threshold float64
	yes       *compiledNode
	no        *compiledNode
	missing   *compiledNode
}

func (n *compiledNode) eval(v models.FeatureVector) float64 {
	for !n.isLeaf {
		x := v[n.feature]
		switch {
		case math.IsNaN(x):
			n = n.missing
		case x < n.threshold:
			n = n.yes
		default:
			n = n.no
		}
	}
	return n.leaf
}

// treeEnsemble sums leaf values of every tree on top of the base margin.
type treeEnsemble struct {
	baseMargin float64
	trees      []*compiledNode
}

func (e *treeEnsemble) margin(v models.FeatureVector) float64 {
	z := e.baseMargin
	for _, t := range e.trees {
		z += t.eval(v)
	}
	return z
}

// NewTreeEnsemble compiles dumped trees into a classifier. baseScore is the
// global bias expressed as a probability, as XGBoost stores it.
func NewTreeEnsemble(trees []*TreeNode, baseScore, threshold float64) (Classifier, error) {
	if len(trees) == 0 {
		return nil, fmt.Errorf("tree ensemble has no trees")
	}
	if baseScore <= 0 || baseScore >= 1 {
		return nil, fmt.Errorf("base_score %g must be in (0,1)", baseScore)
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}

	index := featureIndex()
	ensemble := &treeEnsemble{baseMargin: logit(baseScore)}
	for i, root := range trees {
		compiled, err := compileTree(root, index)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		ensemble.trees = append(ensemble.trees, compiled)
	}
	return &binaryClassifier{model: ensemble, threshold: threshold}, nil
}

func compileTree(node *TreeNode, index map[string]int) (*compiledNode, error) {
	if node == nil {
		return nil, fmt.Errorf("nil node")
	}
	if node.Leaf != nil {
		return &compiledNode{leaf: *node.Leaf, isLeaf: true}, nil
	}

	feature, err := resolveFeature(node.Split, index)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", node.NodeID, err)
	}

	children := make(map[int]*compiledNode, len(node.Children))
	for _, child := range node.Children {
		c, err := compileTree(child, index)
		if err != nil {
			return nil, err
		}
		children[child.NodeID] = c
	}

	out := &compiledNode{feature: feature, threshold: node.SplitCondition}
	var ok bool
	if out.yes, ok = children[node.Yes]; !ok {
		return nil, fmt.Errorf("node %d: yes child %d not found", node.NodeID, node.Yes)
	}
	if out.no, ok = children[node.No]; !ok {
		return nil, fmt.Errorf("node %d: no child %d not found", node.NodeID, node.No)
	}
	if out.missing, ok = children[node.Missing]; !ok {
		out.missing = out.yes
	}
	return out, nil
}

// resolveFeature accepts either a feature name or XGBoost's positional "fN" form.
func resolveFeature(split string, index map[string]int) (int, error) {
	if i, ok := index[split]; ok {
		return i, nil
	}
	if strings.HasPrefix(split, "f") {
		if i, err := strconv.Atoi(split[1:]); err == nil && i >= 0 && i < models.QuestionCount {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown split feature %q", split)
}

func featureIndex() map[string]int {
	index := make(map[string]int, models.QuestionCount)
	for i, name := range models.FeatureNames() {
		index[name] = i
	}
	return index
}
