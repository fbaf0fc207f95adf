package config

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/core-tools/hsu-rlm/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Limits applied to every YAML source before it is decoded
const (
	MaxFileSize = 1 << 20

	// MaxDepth bounds nesting of the expanded document
	MaxDepth = 64

	expansionFactor    = 64
	minExpansionBudget = 4096
	saturatedNodeCount = math.MaxUint64
)

// ReadBounded reads a YAML source of at most MaxFileSize bytes. The size is
// checked before reading and enforced again while reading, so a file that
// grows in between is still rejected. A missing file is a not_found error.
func ReadBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, classifyRead(err, path)
	}
	if info.IsDir() {
		return nil, errors.NewConfigError("configuration source is a directory", nil).WithContext("file", path)
	}
	if info.Size() > MaxFileSize {
		return nil, tooLarge(path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, classifyRead(err, path)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("file", path)
	}
	if len(data) > MaxFileSize {
		return nil, tooLarge(path, int64(len(data)))
	}
	return data, nil
}

// DecodeBounded parses data into a yaml.Node, rejects documents whose alias
// expansion or nesting would blow up, then decodes into out
func DecodeBounded(data []byte, source string, out interface{}) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return errors.NewConfigError("failed to parse YAML", err).WithContext("file", source)
	}
	if root.Kind == 0 {
		// empty document
		return nil
	}
	if err := CheckExpansion(&root); err != nil {
		if de, ok := err.(*errors.DomainError); ok {
			return de.WithContext("file", source)
		}
		return err
	}
	if err := root.Decode(out); err != nil {
		return errors.NewConfigError("invalid configuration structure", err).WithContext("file", source)
	}
	return nil
}

// CheckExpansion compares the size of the tree with aliases followed against
// max(64 x serialized nodes, 4096) and its depth against MaxDepth
func CheckExpansion(root *yaml.Node) error {
	serialized := countSerialized(root)
	budget := uint64(minExpansionBudget)
	if b := serialized * expansionFactor; b > budget {
		budget = b
	}

	g := &expansionGuard{
		memo:     make(map[*yaml.Node]expansion),
		visiting: make(map[*yaml.Node]bool),
	}
	exp, err := g.expand(root)
	if err != nil {
		return err
	}
	if exp.nodes > budget {
		return errors.NewConfigError(
			fmt.Sprintf("YAML alias expansion too large: %s nodes for %d serialized", formatCount(exp.nodes), serialized),
			nil,
		).WithContext("limit", budget)
	}
	if exp.depth > MaxDepth {
		return errors.NewConfigError(fmt.Sprintf("YAML nesting deeper than %d", MaxDepth), nil).
			WithContext("depth", exp.depth)
	}
	return nil
}

type expansion struct {
	nodes uint64
	depth int
}

type expansionGuard struct {
	memo     map[*yaml.Node]expansion
	visiting map[*yaml.Node]bool
}

func (g *expansionGuard) expand(n *yaml.Node) (expansion, error) {
	if n == nil {
		return expansion{}, nil
	}
	if e, ok := g.memo[n]; ok {
		return e, nil
	}
	if g.visiting[n] {
		return expansion{}, errors.NewConfigError("recursive YAML alias", nil).WithContext("line", n.Line)
	}
	g.visiting[n] = true
	defer delete(g.visiting, n)

	children := n.Content
	if n.Kind == yaml.AliasNode {
		children = []*yaml.Node{n.Alias}
	}

	result := expansion{nodes: 1, depth: 1}
	for _, child := range children {
		e, err := g.expand(child)
		if err != nil {
			return expansion{}, err
		}
		result.nodes = saturatingAdd(result.nodes, e.nodes)
		if e.depth+1 > result.depth {
			result.depth = e.depth + 1
		}
		// stop early once the tree is hopelessly deep
		if result.depth > MaxDepth*4 {
			break
		}
	}
	g.memo[n] = result
	return result, nil
}

func countSerialized(n *yaml.Node) uint64 {
	if n == nil {
		return 0
	}
	count := uint64(1)
	for _, child := range n.Content {
		count += countSerialized(child)
	}
	return count
}

func saturatingAdd(a, b uint64) uint64 {
	if a > saturatedNodeCount-b {
		return saturatedNodeCount
	}
	return a + b
}

func formatCount(n uint64) string {
	if n == saturatedNodeCount {
		return "more than 2^64"
	}
	return fmt.Sprintf("%d", n)
}

func tooLarge(path string, size int64) error {
	return errors.NewConfigError(fmt.Sprintf("configuration file exceeds maximum size of %d bytes", MaxFileSize), nil).
		WithContext("file", path).WithContext("size", size)
}

func classifyRead(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return errors.NewNotFoundError("configuration file not found", err).WithContext("file", path)
	case os.IsPermission(err):
		return errors.NewPermissionError("cannot read configuration file", err).WithContext("file", path)
	default:
		return errors.NewIOError("failed to read configuration file", err).WithContext("file", path)
	}
}
