package statestore

import (
	"context"
	"fmt"

	"github.com/bnema/agentloop/internal/jsonx"
	"github.com/bnema/agentloop/internal/ports"
)

// updateDoc decodes the document at path into a T (the zero value when
// absent), applies fn and persists the result under the document lock.
func updateDoc[T any](ctx context.Context, store ports.StateStore, path string, fn func(doc *T) error) error {
	return store.WithLock(ctx, path, func(raw []byte) ([]byte, error) {
		var doc T
		if raw != nil {
			if err := jsonx.Unmarshal(raw, &doc); err != nil {
				return nil, fmt.Errorf("decode state document: %w", err)
			}
		}

		if err := fn(&doc); err != nil {
			return nil, err
		}

		encoded, err := jsonx.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode state document: %w", err)
		}
		return append(encoded, '\n'), nil
	})
}

// readDoc is the unlocked counterpart of updateDoc. The boolean reports
// whether a readable document existed.
func readDoc[T any](ctx context.Context, store ports.StateStore, path string) (T, bool, error) {
	var doc T

	raw, err := store.ReadOnly(ctx, path)
	if err != nil || raw == nil {
		return doc, false, err
	}
	if err := jsonx.Unmarshal(raw, &doc); err != nil {
		return doc, false, nil
	}

	return doc, true, nil
}
