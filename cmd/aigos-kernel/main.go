package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aigos/kernel/internal/a2a"
	"github.com/aigos/kernel/internal/card"
	"github.com/aigos/kernel/internal/clock"
	"github.com/aigos/kernel/internal/config"
	"github.com/aigos/kernel/internal/event"
	"github.com/aigos/kernel/internal/event/sqlitesink"
	"github.com/aigos/kernel/internal/identity"
	"github.com/aigos/kernel/internal/killswitch"
	"github.com/aigos/kernel/internal/policy"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aigos-kernel",
		Short: "Agent runtime governance kernel",
		Long:  "aigos-kernel — the Policy Engine, Kill-Switch Pipeline, Governance Token Protocol, and Identity & Lineage Manager for autonomous agent runtimes.",
	}

	var configFile string

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the governance kernel's kill-switch executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aigos-kernel.yaml)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter aigos-kernel.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aigos-kernel %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate config and report kernel readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(configFile)
		},
	}
	doctorCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	killswitchCmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Kill-switch command delivery",
	}

	var ksType, ksReason, ksInstance, ksAsset, ksOrg string
	ksTriggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Write a kill-switch command to the configured file transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKillswitchTrigger(configFile, ksType, ksReason, ksInstance, ksAsset, ksOrg)
		},
	}
	ksTriggerCmd.Flags().StringVar(&ksType, "type", "TERMINATE", "Command type: TERMINATE, PAUSE, or RESUME")
	ksTriggerCmd.Flags().StringVar(&ksReason, "reason", "", "Human-readable reason")
	ksTriggerCmd.Flags().StringVar(&ksInstance, "instance", "", "Target instance ID")
	ksTriggerCmd.Flags().StringVar(&ksAsset, "asset", "", "Target asset ID")
	ksTriggerCmd.Flags().StringVar(&ksOrg, "org", "", "Target organization")
	killswitchCmd.AddCommand(ksTriggerCmd)
	killswitchCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Governance token issuance and verification",
	}

	var tokInstance, tokAsset, tokRisk, tokAudience string
	tokenIssueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a governance token for a synthetic identity (diagnostic use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(configFile, tokInstance, tokAsset, tokRisk, tokAudience)
		},
	}
	tokenIssueCmd.Flags().StringVar(&tokInstance, "instance", "", "Instance ID (default: random UUID)")
	tokenIssueCmd.Flags().StringVar(&tokAsset, "asset", "diagnostic-asset", "Asset ID")
	tokenIssueCmd.Flags().StringVar(&tokRisk, "risk", "limited", "Risk level: minimal, limited, high, unacceptable")
	tokenIssueCmd.Flags().StringVar(&tokAudience, "audience", "", "Audience claim")

	tokenVerifyCmd := &cobra.Command{
		Use:   "verify [token]",
		Short: "Verify a governance token against the configured trust policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenVerify(configFile, args[0])
		},
	}
	tokenCmd.AddCommand(tokenIssueCmd, tokenVerifyCmd)
	tokenCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Identity & lineage diagnostics",
	}
	var idAsset, idRisk string
	identitySpawnCmd := &cobra.Command{
		Use:   "spawn",
		Short: "Create a root identity and one spawned child, printing both",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentitySpawn(idAsset, idRisk)
		},
	}
	identitySpawnCmd.Flags().StringVar(&idAsset, "asset", "diagnostic-asset", "Asset ID")
	identitySpawnCmd.Flags().StringVar(&idRisk, "risk", "limited", "Risk level")
	identityCmd.AddCommand(identitySpawnCmd)

	rootCmd.AddCommand(startCmd, initCmd, versionCmd, doctorCmd, killswitchCmd, tokenCmd, identityCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInit() error {
	configPath := "aigos-kernel.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  already exists, skipping: %s\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  generated %s\n", configPath)
	}
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    aigos-kernel doctor               # validate the generated config")
	fmt.Println("    aigos-kernel start                # start the kill-switch executor")
	return nil
}

func runDoctor(configFile string) error {
	cfg, path, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("  config:           %s\n", orDefault(path, "(defaults, no file loaded)"))
	fmt.Printf("  log level:        %s\n", cfg.Server.LogLevel)
	fmt.Printf("  policy:           dry_run=%v fail_open=%v default_allow=%v max_cache_size=%d\n",
		cfg.Policy.DryRun, cfg.Policy.FailOpen, cfg.Policy.DefaultAllow, cfg.Policy.MaxCacheSize)
	fmt.Printf("  custom checks:    %d configured\n", len(cfg.Policy.CustomChecks))
	fmt.Printf("  kill switch:      transport=%s allow_resume=%v\n", cfg.KillSwitch.Transport, cfg.KillSwitch.AllowResume)
	fmt.Printf("  replay guard:     max_command_age_s=%d max_nonce_cache=%d persist=%v\n",
		cfg.Replay.MaxCommandAgeS, cfg.Replay.MaxNonceCache, cfg.Replay.Persist)
	fmt.Printf("  token generator:  algorithm=%s issuer=%s default_ttl_s=%d\n", cfg.TokenGen.Algorithm, cfg.TokenGen.Issuer, cfg.TokenGen.DefaultTTLS)
	fmt.Printf("  token validator:  required_issuer=%s validate_control=%v\n", cfg.TokenValid.RequiredIssuer, cfg.TokenValid.ValidateControl)

	if _, err := policy.NewCELEvaluator(nil); err != nil {
		return fmt.Errorf("CEL environment failed to initialize: %w", err)
	}
	fmt.Println("  CEL environment:  OK")

	for _, c := range cfg.Policy.CustomChecks {
		celEval, _ := policy.NewCELEvaluator(nil)
		if _, err := celEval.Compile(c.Expression); err != nil {
			fmt.Printf("  custom check %q: FAILED to compile: %v\n", c.Name, err)
		} else {
			fmt.Printf("  custom check %q: OK\n", c.Name)
		}
	}
	return nil
}

func runStart(configFile string) error {
	cfg, path, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	logger.Info("starting aigos-kernel", "config", orDefault(path, "(defaults)"))

	sink, closeSink, err := buildEventSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build event sink: %w", err)
	}
	defer closeSink()

	clk := clock.System{}

	fsm := killswitch.New(cfg.KillSwitch.AllowResume, killswitch.Hooks{
		OnBeforeTerminate: func(target string) {
			logger.Warn("kill-switch terminating target", "target", target)
		},
		OnStateChange: func(target string, from, to killswitch.State) {
			logger.Info("kill-switch state changed", "target", target, "from", from, "to", to)
		},
	}, clk, logger)

	var guard *killswitch.ReplayGuard
	maxAge := time.Duration(cfg.Replay.MaxCommandAgeS) * time.Second
	if cfg.Replay.Persist {
		guard = killswitch.NewReplayGuard(maxAge, cfg.Replay.MaxNonceCache, cfg.Replay.PersistPath, clk, logger)
	} else {
		guard = killswitch.NewReplayGuard(maxAge, cfg.Replay.MaxNonceCache, "", clk, logger)
	}

	executor := killswitch.NewExecutor(fsm, guard, sink, clk, logger)
	transport, err := buildTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build kill-switch transport: %w", err)
	}
	executor.Register(transport)

	// The Policy Engine, Identity Manager, and Governance Token Protocol are
	// embedded-library capabilities the hosting agent runtime calls directly
	// (policy.NewEngine, identity.NewManager, a2a.NewGenerator/NewVerifier);
	// they need no daemon of their own here. The Kill-Switch Pipeline is the
	// one subsystem that must run standalone, since it alone owns a transport
	// listening for externally-originated commands.
	if _, err := policy.NewCELEvaluator(logger); err != nil {
		return fmt.Errorf("failed to initialize CEL environment: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := executor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kill-switch executor: %w", err)
	}
	defer executor.Stop()

	logger.Info("aigos-kernel running", "kill_switch_transport", transport.Name())
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight kill-switch commands")
	return nil
}

func runKillswitchTrigger(configFile, cmdType, reason, instanceID, assetID, org string) error {
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.KillSwitch.FilePath == "" {
		return fmt.Errorf("kill_switch.file_path is not configured; set it in your config to use file-based delivery")
	}

	payload := fmt.Sprintf(`{"command_id":%q,"type":%q,"timestamp":%q,"reason":%q,"instance_id":%q,"asset_id":%q,"organization":%q}`,
		uuid.New().String(), strings.ToUpper(cmdType), time.Now().UTC().Format(time.RFC3339), reason, instanceID, assetID, org)

	if err := os.MkdirAll(filepath.Dir(cfg.KillSwitch.FilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create kill-switch file directory: %w", err)
	}
	if err := os.WriteFile(cfg.KillSwitch.FilePath, []byte(payload), 0o644); err != nil {
		return fmt.Errorf("failed to write kill-switch command: %w", err)
	}
	fmt.Printf("  wrote %s command to %s\n", strings.ToUpper(cmdType), cfg.KillSwitch.FilePath)
	return nil
}

func runTokenIssue(configFile, instanceID, assetID, risk, audience string) error {
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	clk := clock.System{}
	c := syntheticCard(assetID, risk)
	id := &identity.RuntimeIdentity{
		InstanceID:       instanceID,
		AssetID:          c.AssetID,
		Card:             c,
		Manifest:         c.CapabilitiesManifest,
		Mode:             identity.ModeNormal,
		Lineage:          identity.Lineage{RootInstanceID: instanceID, SpawnedAt: clk.Now()},
		CreatedAt:        clk.Now(),
		Verified:         c.VerifyGoldenThread(),
		GoldenThreadHash: c.GoldenThread.Hash(),
	}

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		return err
	}
	ttl := time.Duration(cfg.TokenGen.DefaultTTLS) * time.Second
	generator := a2a.NewGenerator(cfg.TokenGen.Issuer, ttl, signingKey, nil, clk, nil)

	var aud []string
	if audience != "" {
		aud = []string{audience}
	}
	token, _, expiresAt, err := generator.Generate(id, a2a.GenerateOptions{Audience: aud})
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "  expires_at: %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func runTokenVerify(configFile, token string) error {
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	clk := clock.System{}
	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		return err
	}
	keySource := buildKeySource(cfg, signingKey, clk, nil)
	verifier := a2a.NewVerifier(keySource, clk, nil)

	result, aerr := verifier.Verify(token, a2a.VerifyOptions{
		RequiredIssuer:    cfg.TokenValid.RequiredIssuer,
		RequiredAudiences: cfg.TokenValid.RequiredAudiences,
		MaxClockSkew:      time.Duration(cfg.TokenValid.MaxClockSkewS) * time.Second,
		ValidateControl:   cfg.TokenValid.ValidateControl,
		RejectPaused:      cfg.TokenValid.RejectPaused,
		RejectTerminated:  cfg.TokenValid.RejectTerminationPending,
	})
	if aerr != nil {
		fmt.Printf("  REJECTED: %s: %s\n", aerr.Code, aerr.Message)
		os.Exit(1)
	}
	fmt.Printf("  VALID\n")
	fmt.Printf("  identity:    %s\n", result.Payload.Identity)
	fmt.Printf("  risk_level:  %s\n", result.Payload.Governance.RiskLevel)
	fmt.Printf("  mode:        %s\n", result.Payload.Governance.Mode)
	fmt.Printf("  paused:      %v\n", result.Payload.Control.Paused)
	fmt.Printf("  terminated:  %v\n", result.Payload.Control.TerminationPending)
	for _, w := range result.Warnings {
		fmt.Printf("  warning:     %s\n", w)
	}
	return nil
}

func runIdentitySpawn(assetID, risk string) error {
	clk := clock.System{}
	mgr := identity.NewManager(clk, nil)

	c := syntheticCard(assetID, risk)
	root, err := mgr.CreateIdentity(c, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create root identity: %w", err)
	}
	fmt.Printf("  root instance:  %s\n", root.InstanceID)
	fmt.Printf("  capability_mode: %s  max_child_depth: %d\n", root.Manifest.CapabilityMode, root.Manifest.MaxChildDepth)

	child, err := mgr.Spawn(root, nil)
	if err != nil {
		fmt.Printf("  spawn denied: %v\n", err)
		return nil
	}
	fmt.Printf("  child instance: %s  generation_depth: %d  max_child_depth: %d\n",
		child.InstanceID, child.Lineage.GenerationDepth, child.Manifest.MaxChildDepth)
	return nil
}

// --- shared wiring helpers ---

func loadConfig(configFile string) (*config.Config, string, error) {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}
	return loader.Get(), loader.FilePath(), nil
}

func findConfigFile() string {
	for _, candidate := range []string{"aigos-kernel.yaml", "aigos-kernel.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func buildEventSink(cfg *config.Config, logger *slog.Logger) (event.Sink, func(), error) {
	if cfg.Server.EventSinkPath == "" {
		return event.NewRingBuffer(cfg.Server.RingBufferLen), func() {}, nil
	}
	sink, err := sqlitesink.Open(cfg.Server.EventSinkPath, 1000, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Close(ctx); err != nil {
			logger.Error("error closing event sink", "error", err)
		}
	}
	return sink, closeFn, nil
}

func buildTransport(cfg *config.Config, logger *slog.Logger) (killswitch.Transport, error) {
	switch cfg.KillSwitch.Transport {
	case "poll":
		interval := time.Duration(cfg.KillSwitch.PollIntervalMS) * time.Millisecond
		return killswitch.NewPollListener(cfg.KillSwitch.PollEndpoint, interval, cfg.KillSwitch.MaxPollErrors, logger), nil
	case "stream":
		maxBackoff := time.Duration(cfg.KillSwitch.ReconnectMaxBackoffMS) * time.Millisecond
		return killswitch.NewStreamListener(cfg.KillSwitch.StreamEndpoint, maxBackoff, logger), nil
	case "file", "":
		path := cfg.KillSwitch.FilePath
		if path == "" {
			path = "kill-switch.json"
		}
		return killswitch.NewFileListener(path, cfg.KillSwitch.DeleteAfterProcess, logger), nil
	default:
		return nil, fmt.Errorf("unknown kill_switch.transport %q", cfg.KillSwitch.Transport)
	}
}

// loadSigningKey resolves the A2A signing key. Production ES256/RS256 key
// material is an external KeyStore concern (spec §1); this diagnostic path
// only ever wires HS256 from an operator-supplied secret, falling back to
// an ephemeral in-memory secret for local experimentation (logged loudly,
// never persisted).
func loadSigningKey(cfg *config.Config) (a2a.KeyMaterial, error) {
	switch strings.ToUpper(cfg.TokenGen.Algorithm) {
	case "", "HS256":
		secret := os.Getenv("AIGOS_KERNEL_HMAC_SECRET")
		if secret == "" {
			secret = "ephemeral-development-secret-do-not-use-in-production"
		}
		keyID := cfg.TokenGen.KeyID
		if keyID == "" {
			keyID = "dev-hs256"
		}
		return a2a.KeyMaterial{KeyID: keyID, Algorithm: a2a.AlgHS256, HMACSecret: []byte(secret)}, nil
	default:
		return a2a.KeyMaterial{}, fmt.Errorf("algorithm %q requires an external KeyStore; only HS256 is wired for this diagnostic CLI", cfg.TokenGen.Algorithm)
	}
}

func buildKeySource(cfg *config.Config, signingKey a2a.KeyMaterial, clk clock.Source, logger *slog.Logger) a2a.KeySource {
	seed := []a2a.KeyMaterial{signingKey}
	if cfg.TokenValid.JWKSEndpoint != "" {
		return a2a.NewJWKSKeySource(cfg.TokenValid.JWKSEndpoint, seed, clk, logger)
	}
	return a2a.NewStaticKeySource(seed)
}

// syntheticCard builds a self-consistent AssetCard (golden thread hash
// matching its own tuple) for the diagnostic CLI paths, standing in for
// the external asset-card scanning collaborator spec §1 excludes from the
// kernel core.
func syntheticCard(assetID, risk string) *card.AssetCard {
	thread := card.GoldenThread{
		TicketID:   "DIAG-0",
		ApprovedBy: "aigos-kernel-cli",
		ApprovedAt: time.Unix(0, 0).UTC(),
	}
	manifest := card.CapabilitiesManifest{
		AllowedTools:     []string{"*"},
		MaySpawnChildren: true,
		MaxChildDepth:    3,
		CapabilityMode:   card.ModeDecay,
	}
	c := &card.AssetCard{
		AssetID:              assetID,
		Version:              "v1",
		RiskLevel:            card.RiskLevel(strings.ToLower(risk)),
		CapabilitiesManifest: manifest,
		GoldenThread:         thread,
	}
	c.GoldenThreadHash = thread.Hash()
	return c
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
