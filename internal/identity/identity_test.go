package identity

import (
	"testing"
	"time"

	"github.com/aigos/kernel/internal/card"
	"github.com/aigos/kernel/internal/clock"
)

func testCard(maxCost float64, maxDepth int, mode card.CapabilityMode) *card.AssetCard {
	thread := card.GoldenThread{TicketID: "TCK-1", ApprovedBy: "alice", ApprovedAt: time.Unix(1700000000, 0).UTC()}
	c := &card.AssetCard{
		AssetID:   "asset-1",
		RiskLevel: card.RiskLimited,
		CapabilitiesManifest: card.CapabilitiesManifest{
			AllowedTools:      []string{"http.get"},
			MaySpawnChildren:  true,
			MaxChildDepth:     maxDepth,
			CapabilityMode:    mode,
			MaxCostPerSession: &maxCost,
		},
		GoldenThread: thread,
	}
	c.GoldenThreadHash = thread.Hash()
	return c
}

func TestCreateIdentity_RejectsGoldenThreadMismatch(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(10, 3, card.ModeDecay)
	c.GoldenThreadHash = "not-the-real-hash"

	_, err := mgr.CreateIdentity(c, nil, nil)
	if err == nil {
		t.Fatal("expected an error for a mismatched golden thread")
	}
	identErr, ok := err.(*Error)
	if !ok || identErr.Code != CodeIdentityGoldenThreadMismatch {
		t.Fatalf("expected IDENTITY_GOLDEN_THREAD_MISMATCH, got %v", err)
	}
}

func TestCreateIdentity_RootHasZeroGenerationDepth(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(10, 3, card.ModeDecay)

	root, err := mgr.CreateIdentity(c, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root.Lineage.GenerationDepth != 0 {
		t.Errorf("expected depth 0 for a root identity, got %d", root.Lineage.GenerationDepth)
	}
	if root.Lineage.RootInstanceID != root.InstanceID {
		t.Error("a root identity should be its own root_instance_id")
	}
}

func TestSpawn_DecayModeShrinksNumericCaps(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(100, 3, card.ModeDecay)
	root, _ := mgr.CreateIdentity(c, nil, nil)

	child, err := mgr.Spawn(root, nil)
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if child.Manifest.MaxCostPerSession == nil || *child.Manifest.MaxCostPerSession >= 100 {
		t.Fatalf("expected decayed cost cap below 100, got %v", child.Manifest.MaxCostPerSession)
	}
	if child.Lineage.GenerationDepth != 1 {
		t.Errorf("expected generation depth 1, got %d", child.Lineage.GenerationDepth)
	}
}

func TestSpawn_DeniesBeyondMaxChildDepth(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(100, 0, card.ModeDecay)
	root, _ := mgr.CreateIdentity(c, nil, nil)

	_, err := mgr.Spawn(root, nil)
	if err == nil {
		t.Fatal("expected a depth-denied error when max_child_depth is 0")
	}
	identErr, ok := err.(*Error)
	if !ok || identErr.Code != CodeSpawnDeniedDepth {
		t.Fatalf("expected SPAWN_DENIED_DEPTH, got %v", err)
	}
}

func TestSpawn_DeniesWhenParentRestricted(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(100, 3, card.ModeDecay)
	root, _ := mgr.CreateIdentity(c, nil, nil)
	root.Mode = ModeRestricted

	_, err := mgr.Spawn(root, nil)
	if err == nil {
		t.Fatal("expected a mode-denied error for a RESTRICTED parent")
	}
	identErr, ok := err.(*Error)
	if !ok || identErr.Code != CodeSpawnDeniedMode {
		t.Fatalf("expected SPAWN_DENIED_MODE, got %v", err)
	}
}

func TestSpawn_DeniesWhenManifestForbidsSpawning(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(100, 3, card.ModeDecay)
	c.CapabilitiesManifest.MaySpawnChildren = false
	root, _ := mgr.CreateIdentity(c, nil, nil)

	_, err := mgr.Spawn(root, nil)
	if err == nil {
		t.Fatal("expected a policy-denied error when the manifest forbids spawning")
	}
	identErr, ok := err.(*Error)
	if !ok || identErr.Code != CodeSpawnDeniedPolicy {
		t.Fatalf("expected SPAWN_DENIED_POLICY, got %v", err)
	}
}

func TestSpawn_InheritModeCopiesManifestUnchanged(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(100, 3, card.ModeInherit)
	root, _ := mgr.CreateIdentity(c, nil, nil)

	child, err := mgr.Spawn(root, nil)
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if *child.Manifest.MaxCostPerSession != *root.Manifest.MaxCostPerSession {
		t.Error("inherit mode must copy numeric caps unchanged")
	}
}

func TestSpawn_ExplicitModeClipsOverrideToParent(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(50, 3, card.ModeExplicit)
	root, _ := mgr.CreateIdentity(c, nil, nil)

	tooHigh := 500.0
	override := &card.CapabilitiesManifest{MaxCostPerSession: &tooHigh}

	child, err := mgr.Spawn(root, override)
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if *child.Manifest.MaxCostPerSession != 50 {
		t.Fatalf("expected override clipped to parent's 50, got %v", *child.Manifest.MaxCostPerSession)
	}
}

// TestSpawn_ExplicitModeClipsAllowedToolsToParent guards against a
// capability escalation: an explicit-mode override requesting a wildcard
// allow-list must not let the child exceed the parent's concrete list.
func TestSpawn_ExplicitModeClipsAllowedToolsToParent(t *testing.T) {
	mgr := NewManager(clock.NewFixed(time.Now()), nil)
	c := testCard(50, 3, card.ModeExplicit)
	c.CapabilitiesManifest.AllowedTools = []string{"http.get"}
	c.CapabilitiesManifest.AllowedDomains = []string{"example.com"}
	c.GoldenThreadHash = c.GoldenThread.Hash()
	root, err := mgr.CreateIdentity(c, nil, nil)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	override := &card.CapabilitiesManifest{
		AllowedTools:   []string{"*"},
		AllowedDomains: []string{"*"},
	}

	child, err := mgr.Spawn(root, override)
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if len(child.Manifest.AllowedTools) != 1 || child.Manifest.AllowedTools[0] != "http.get" {
		t.Fatalf("expected allowed tools clipped to parent's [http.get], got %v", child.Manifest.AllowedTools)
	}
	if len(child.Manifest.AllowedDomains) != 1 || child.Manifest.AllowedDomains[0] != "example.com" {
		t.Fatalf("expected allowed domains clipped to parent's [example.com], got %v", child.Manifest.AllowedDomains)
	}
}

func TestMode_IsEnforced(t *testing.T) {
	if !ModeSandbox.IsEnforced() {
		t.Error("SANDBOX should be enforced")
	}
	if !ModeRestricted.IsEnforced() {
		t.Error("RESTRICTED should be enforced")
	}
	if ModeNormal.IsEnforced() {
		t.Error("NORMAL should not be enforced")
	}
	if ModeDegraded.IsEnforced() {
		t.Error("DEGRADED is a label-only mode, not enforced")
	}
}
