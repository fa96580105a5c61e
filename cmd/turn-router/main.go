// Command turn-router classifies one incoming chat message against the
// conversation's topics and assembles the token-budgeted context for it.
// The decision and the assembled context are printed as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/theimaginaryfoundation/turncontext/routing"
	"github.com/theimaginaryfoundation/turncontext/routing/provider"
	"github.com/theimaginaryfoundation/turncontext/routing/sqlitestore"
)

type turnOutput struct {
	Decision routing.RouterDecision     `json:"decision"`
	Context  routing.BuildContextResult `json:"context"`
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	var caller routing.Caller
	if !cfg.NoLLM {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			fmt.Fprintln(os.Stderr, "missing OPENAI_API_KEY (or pass -api-key, or use -no-llm)")
			os.Exit(2)
		}
		caller, err = provider.NewOpenAICaller(apiKey)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer store.Close()

	out, err := runTurn(ctx, store, caller, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	if cfg.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("encode output: %w", err).Error())
		os.Exit(1)
	}
}

func runTurn(ctx context.Context, store *sqlitestore.Store, caller routing.Caller, cfg Config) (turnOutput, error) {
	recent, err := store.RecentMessages(ctx, cfg.ConversationID, 6)
	if err != nil {
		return turnOutput{}, err
	}
	candidates, err := store.CandidateTopics(ctx, cfg.ConversationID)
	if err != nil {
		return turnOutput{}, err
	}
	artifacts, err := store.ConversationArtifacts(ctx, cfg.ConversationID)
	if err != nil {
		return turnOutput{}, err
	}

	recorder := routing.NewSampleRecorder(store, 0)
	defer recorder.Close()

	router := routing.DecisionRouter{
		Caller:   caller,
		Recorder: recorder,
		Model:    cfg.RouterModel,
		Disabled: cfg.NoLLM,
	}
	decision := router.Run(ctx, routing.DecisionInput{
		UserMessage:     cfg.UserMessage,
		RecentMessages:  recent,
		ActiveTopicID:   cfg.ActiveTopicID,
		ConversationID:  cfg.ConversationID,
		ModelPreference: routing.Model(cfg.ModelPreference),
		Topics:          candidates,
		Artifacts:       artifacts,
		Memories:        nil,
	})

	prefetched := make([]routing.Topic, 0, len(candidates))
	for _, c := range candidates {
		prefetched = append(prefetched, c.Topic)
	}
	assembler := routing.ContextAssembler{Store: store}
	built, err := assembler.Build(ctx, routing.BuildParams{
		ConversationID:   cfg.ConversationID,
		Decision:         decision,
		ManualTopicIDs:   cfg.ManualTopicIDs,
		MaxContextTokens: cfg.Budget,
		PrefetchedTopics: prefetched,
	})
	if err != nil {
		return turnOutput{}, err
	}
	return turnOutput{Decision: decision, Context: built}, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite chat database")
	fs.StringVar(&cfg.ConversationID, "conversation", "", "Conversation id the message belongs to")
	fs.StringVar(&cfg.UserMessage, "message", "", "The incoming user message")
	fs.StringVar(&cfg.ActiveTopicID, "active-topic", "", "Currently active topic id, if any")
	var manual string
	fs.StringVar(&manual, "manual-topics", "", "Comma-separated topic ids that override routing (first is primary)")
	fs.StringVar(&cfg.ModelPreference, "model-preference", "auto", "User model preference (auto or a model name)")
	fs.IntVar(&cfg.Budget, "budget", 0, "Context token budget (0 uses the default)")
	fs.StringVar(&cfg.RouterModel, "router-model", cfg.RouterModel, "Classifier model for the decision router")
	fs.BoolVar(&cfg.NoLLM, "no-llm", false, "Skip the classifier and use the deterministic routing policy")
	fs.BoolVar(&cfg.Pretty, "pretty", false, "Pretty-print the JSON output")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides OPENAI_API_KEY env var)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.ManualTopicIDs = splitIDs(manual)
	return cfg, nil
}
