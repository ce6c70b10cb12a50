package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// TestNormalizePayloadIdempotent verifies normalizing twice equals normalizing once.
// Property: normalize(normalize(p)) == normalize(p) for any JSON document p
func TestNormalizePayloadIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(doc map[string]int, indent bool) bool {
			var raw []byte
			if indent {
				raw, _ = json.MarshalIndent(doc, "", "  ")
			} else {
				raw, _ = json.Marshal(doc)
			}

			once, ok := normalizePayload(raw)
			if !ok {
				return false
			}
			twice, ok := normalizePayload(once)
			return ok && bytes.Equal(once, twice)
		},
		gen.MapOf(gen.AlphaString(), gen.Int()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestAwakeableIDControlCharacters verifies no id containing a control
// character is accepted.
func TestAwakeableIDControlCharacters(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("control characters are rejected", prop.ForAll(
		func(prefix, suffix string, c rune) bool {
			return !validAwakeableID(prefix + string(c) + suffix)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.RuneRange(0, 0x1f),
	))

	properties.Property("short printable ids are accepted", prop.ForAll(
		func(id string) bool {
			return validAwakeableID(id) == (strings.TrimSpace(id) != "")
		},
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) <= MaxAwakeableIDLength }),
	))

	properties.TestingRun(t)
}

// TestResolveStoresPayloadVerbatim verifies the stored payload of a resolved
// awakeable is the compacted payload it was resolved with, and that the
// second resolve of the same awakeable always conflicts.
func TestResolveStoresPayloadVerbatim(t *testing.T) {
	store := newTestStore(t)
	resolver, _ := newTestResolver(t, store)
	awakeables := NewAwakeableStore(store)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	n := 0
	properties.Property("resolve then lookup returns the payload", prop.ForAll(
		func(doc map[string]string) bool {
			n++
			id := fmt.Sprintf("aw-prop-%d", n)
			seedSuspended(t, store, id, "job-prop", "task-"+id)

			payload, _ := json.Marshal(doc)
			res, err := resolver.Resolve(ctx, id, payload)
			if err != nil {
				return false
			}

			got, err := awakeables.Lookup(ctx, id)
			if err != nil || got.Status != tasks.AwakeableResolved {
				return false
			}
			if !bytes.Equal(got.Payload, res.Payload) || !bytes.Equal(got.Payload, payload) {
				return false
			}

			_, err = resolver.Resolve(ctx, id, payload)
			return KindOf(err) == KindAlreadyResolved
		},
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}
