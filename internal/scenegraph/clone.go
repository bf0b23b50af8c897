package scenegraph

import (
	"fmt"

	"github.com/jinzhu/copier"
)

const deepCopyErrorTemplateConstant = "unable to deep copy %T: %w"

// IgnoreEmpty keeps absent maps and slices nil in the copy.
var deepCopyOption = copier.Option{DeepCopy: true, IgnoreEmpty: true, CaseSensitive: true}

func deepCopy(destination any, source any) error {
	if copyError := copier.CopyWithOption(destination, source, deepCopyOption); copyError != nil {
		return fmt.Errorf(deepCopyErrorTemplateConstant, source, copyError)
	}
	return nil
}

func cloneNode(node *Node) (*Node, error) {
	clone := &Node{}
	if copyError := deepCopy(clone, node); copyError != nil {
		return nil, copyError
	}
	return clone, nil
}

// CloneRecord deep-copies a record, keeping its identifier.
func CloneRecord(record *Record) (*Record, error) {
	clone := &Record{}
	if copyError := deepCopy(clone, record); copyError != nil {
		return nil, copyError
	}
	return clone, nil
}

// CloneFields deep-copies a generic field tree. A nil tree stays nil.
func CloneFields(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return nil, nil
	}
	cloned := make(map[string]any, len(fields))
	if copyError := deepCopy(&cloned, fields); copyError != nil {
		return nil, copyError
	}
	return cloned, nil
}

// CloneValue deep-copies maps and slices produced by document decoding. Scalars are returned as is.
func CloneValue(value any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		return CloneFields(typed)
	case []any:
		if typed == nil {
			return typed, nil
		}
		cloned := make([]any, 0, len(typed))
		if copyError := deepCopy(&cloned, typed); copyError != nil {
			return nil, copyError
		}
		return cloned, nil
	default:
		return value, nil
	}
}

func cloneReferences(references map[string]ObjectRef) (map[string]ObjectRef, error) {
	if len(references) == 0 {
		return nil, nil
	}
	cloned := make(map[string]ObjectRef, len(references))
	if copyError := deepCopy(&cloned, references); copyError != nil {
		return nil, copyError
	}
	return cloned, nil
}

func cloneHolder(holder *Holder) (*Holder, error) {
	clone := &Holder{}
	if copyError := deepCopy(clone, holder); copyError != nil {
		return nil, copyError
	}
	return clone, nil
}

func cloneClip(clip *Clip) (*Clip, error) {
	clone := &Clip{}
	if copyError := deepCopy(clone, clip); copyError != nil {
		return nil, copyError
	}
	return clone, nil
}
