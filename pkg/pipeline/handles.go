package pipeline

import (
	"context"
	"fmt"

	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/processor"
)

// Handles are the long-lived clients shared by every request. They are
// constructed once per process and must be safe for concurrent use.
type Handles struct {
	Extractor    types.Extractor
	Processor    *processor.Processor
	Embedder     types.Embedder
	Index        types.VectorIndex
	Generator    types.Generator
	Chats        types.ChatStore
	Storage      types.ObjectStorage
	Entitlements types.Entitlements
}

// admit syncs the user row and applies the entitlement policy.
func admit(ctx context.Context, h Handles, userID string) error {
	if userID == "" {
		return types.ErrUnauthenticated
	}
	if err := h.Chats.EnsureUser(ctx, userID); err != nil {
		return err
	}
	if h.Entitlements == nil {
		return nil
	}
	ok, err := h.Entitlements.IsEntitled(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check subscription: %w", err)
	}
	if !ok {
		return types.ErrNotEntitled
	}
	return nil
}
