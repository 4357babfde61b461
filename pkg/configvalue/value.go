// Package configvalue models arbitrary nested worker configuration as an
// immutable tagged union of scalars, sequences and mappings.
//
// Values are built once from the YAML node tree when the configuration is
// loaded and keep the order in which keys were written. Accessors hand out
// copies, so a Value can be shared between applications and releases freely.
package configvalue

import (
	"bytes"
	"fmt"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Kind is the variant held by a Value
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

const (
	tagNull = "!!null"
	tagStr  = "!!str"
	tagInt  = "!!int"
	tagBool = "!!bool"
)

// Value is a scalar, an ordered sequence or an ordered mapping.
// The zero Value is null.
type Value struct {
	kind    Kind
	tag     string
	scalar  string
	items   []Value
	entries []Entry
}

// Entry is one key/value pair of a mapping
type Entry struct {
	Key   string
	Value Value
}

func Null() Value {
	return Value{}
}

// Scalar creates a scalar with an explicit YAML tag such as "!!int"
func Scalar(tag, value string) Value {
	if tag == tagNull {
		return Null()
	}
	return Value{kind: KindScalar, tag: tag, scalar: value}
}

func String(value string) Value {
	return Scalar(tagStr, value)
}

func Int(value int) Value {
	return Scalar(tagInt, fmt.Sprintf("%d", value))
}

func Bool(value bool) Value {
	return Scalar(tagBool, fmt.Sprintf("%t", value))
}

func Sequence(items ...Value) Value {
	return Value{kind: KindSequence, items: append([]Value(nil), items...)}
}

// Mapping creates a mapping keeping the given entry order. Later duplicates replace earlier ones.
func Mapping(entries ...Entry) Value {
	v := Value{kind: KindMapping}
	for _, entry := range entries {
		v.entries = setEntry(v.entries, entry)
	}
	return v
}

func setEntry(entries []Entry, entry Entry) []Entry {
	for i := range entries {
		if entries[i].Key == entry.Key {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// Tag returns the YAML tag of a scalar, or an empty string for other kinds
func (v Value) Tag() string {
	return v.tag
}

// Text returns the textual form of a scalar, or an empty string for other kinds
func (v Value) Text() string {
	return v.scalar
}

// Len returns the number of sequence items or mapping entries
func (v Value) Len() int {
	switch v.kind {
	case KindSequence:
		return len(v.items)
	case KindMapping:
		return len(v.entries)
	default:
		return 0
	}
}

// Items returns a copy of the sequence items
func (v Value) Items() []Value {
	return append([]Value(nil), v.items...)
}

// Entries returns a copy of the mapping entries in key order of appearance
func (v Value) Entries() []Entry {
	return append([]Entry(nil), v.entries...)
}

// Get looks up a mapping key
func (v Value) Get(key string) (Value, bool) {
	for _, entry := range v.entries {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return Value{}, false
}

// GetString returns the text of a scalar under key, or def
func (v Value) GetString(key, def string) string {
	value, ok := v.Get(key)
	if !ok || value.kind != KindScalar {
		return def
	}
	return value.scalar
}

// Keys returns the mapping keys in order of appearance
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.entries))
	for _, entry := range v.entries {
		keys = append(keys, entry.Key)
	}
	return keys
}

// Equal reports deep equality including scalar tags and key order
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindScalar:
		return v.tag == other.tag && v.scalar == other.scalar
	case KindSequence:
		if len(v.items) != len(other.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(other.items[i]) {
				return false
			}
		}
	case KindMapping:
		if len(v.entries) != len(other.entries) {
			return false
		}
		for i := range v.entries {
			if v.entries[i].Key != other.entries[i].Key || !v.entries[i].Value.Equal(other.entries[i].Value) {
				return false
			}
		}
	}
	return true
}

// FromNode builds a Value from a decoded YAML node
func FromNode(node *yaml.Node) (Value, error) {
	if node == nil {
		return Null(), nil
	}

	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Null(), nil
		}
		return FromNode(node.Content[0])

	case yaml.AliasNode:
		return FromNode(node.Alias)

	case yaml.ScalarNode:
		return Scalar(node.ShortTag(), node.Value), nil

	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, child := range node.Content {
			item, err := FromNode(child)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: KindSequence, items: items}, nil

	case yaml.MappingNode:
		v := Value{kind: KindMapping}
		seen := make(map[string]bool, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valueNode := node.Content[i], node.Content[i+1]
			if keyNode.Kind != yaml.ScalarNode {
				return Value{}, errors.NewValidationError(
					fmt.Sprintf("mapping keys must be scalars, line %d", keyNode.Line),
					nil,
				)
			}
			if seen[keyNode.Value] {
				return Value{}, errors.NewValidationError(
					fmt.Sprintf("duplicate mapping key '%s', line %d", keyNode.Value, keyNode.Line),
					nil,
				)
			}
			seen[keyNode.Value] = true

			child, err := FromNode(valueNode)
			if err != nil {
				return Value{}, errors.NewValidationError(
					fmt.Sprintf("invalid value for key '%s'", keyNode.Value),
					err,
				)
			}
			v.entries = append(v.entries, Entry{Key: keyNode.Value, Value: child})
		}
		return v, nil

	default:
		return Value{}, errors.NewValidationError(fmt.Sprintf("unsupported YAML node kind: %d", node.Kind), nil)
	}
}

// UnmarshalYAML lets Values be embedded in yaml.v3 decoded structs
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	value, err := FromNode(node)
	if err != nil {
		return err
	}
	*v = value
	return nil
}

// Node converts the value back into a YAML node
func (v Value) Node() *yaml.Node {
	switch v.kind {
	case KindScalar:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: v.tag, Value: v.scalar}
	case KindSequence:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v.items {
			node.Content = append(node.Content, item.Node())
		}
		return node
	case KindMapping:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, entry := range v.entries {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: tagStr, Value: entry.Key},
				entry.Value.Node(),
			)
		}
		return node
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tagNull, Value: "null"}
	}
}

// MarshalYAML lets Values be embedded in yaml.v3 encoded structs
func (v Value) MarshalYAML() (interface{}, error) {
	return v.Node(), nil
}

// Parse decodes a YAML document into a Value
func Parse(data []byte) (Value, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Value{}, errors.NewValidationError("failed to parse YAML document", err)
	}
	return FromNode(&node)
}

// Encode serializes the value as a YAML document with two-space indentation
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(v.Node()); err != nil {
		return nil, errors.NewInternalError("failed to encode YAML document", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, errors.NewInternalError("failed to finish YAML document", err)
	}
	return buf.Bytes(), nil
}
