package chatcp

import (
	"context"

	"github.com/opctl/controlplane/router"
)

// localFallbackID names the deterministic provider Controller always
// appends as the last routing candidate, guaranteeing /chat can produce a
// response even when every configured provider and the graph/broker are
// unavailable.
const localFallbackID = "local_fallback_v1"

// localFallbackProvider is a deterministic, always-available Provider. It
// never errors and never blocks, so Router's fallback cascade always has
// somewhere to land.
type localFallbackProvider struct{}

func (localFallbackProvider) ID() string      { return localFallbackID }
func (localFallbackProvider) Kind() router.Kind { return "chat" }

func (localFallbackProvider) Stream(ctx context.Context, req router.Request) (<-chan router.StreamChunk, error) {
	out := make(chan router.StreamChunk, 1)
	out <- router.StreamChunk{
		Text: "I'm unable to reach a model provider right now. Your message was received; please try again shortly.",
		Done: true,
	}
	close(out)
	return out, nil
}
