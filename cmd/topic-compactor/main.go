// Command topic-compactor folds a topic's trailing messages into a summary
// layer, appended to the topic's stored summary. The produced layer is
// printed as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/theimaginaryfoundation/turncontext/routing"
	"github.com/theimaginaryfoundation/turncontext/routing/provider"
	"github.com/theimaginaryfoundation/turncontext/routing/sqlitestore"
)

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

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing OPENAI_API_KEY (or pass -api-key)")
		os.Exit(2)
	}
	caller, err := provider.NewOpenAICaller(apiKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer store.Close()

	layer, err := compactTopic(ctx, store, caller, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	if cfg.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(layer); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("encode output: %w", err).Error())
		os.Exit(1)
	}
}

func compactTopic(ctx context.Context, store *sqlitestore.Store, caller routing.Caller, cfg Config) (routing.CompactionLayer, error) {
	topic, err := store.TopicByID(ctx, cfg.TopicID)
	if err != nil {
		return routing.CompactionLayer{}, err
	}
	if topic == nil {
		return routing.CompactionLayer{}, fmt.Errorf("topic %s not found", cfg.TopicID)
	}

	messages, err := store.TopicMessages(ctx, topic.ConversationID, topic.ID)
	if err != nil {
		return routing.CompactionLayer{}, err
	}
	if cfg.Window > 0 && len(messages) > cfg.Window {
		messages = messages[len(messages)-cfg.Window:]
	}
	if len(messages) == 0 {
		return routing.CompactionLayer{}, fmt.Errorf("topic %s has no messages to compact", cfg.TopicID)
	}

	var priorLayers []string
	if s := strings.TrimSpace(topic.Summary); s != "" {
		priorLayers = append(priorLayers, s)
	}

	compactor := routing.CompactionRouter{Caller: caller}
	layer, err := compactor.Compact(ctx, routing.CompactionInput{
		TopicLabel:       topic.Label,
		TopicDescription: topic.Description,
		Messages:         messages,
		PriorLayers:      priorLayers,
		Model:            routing.Model(cfg.Model),
	})
	if err != nil {
		return routing.CompactionLayer{}, err
	}

	if !cfg.DryRun {
		layerCount := 1
		if topic.Compaction != nil {
			layerCount = topic.Compaction.LayerCount + 1
		}
		// Layers stack: the model only covers the new turns, so the prior
		// summary text must survive the write-back.
		topic.Summary = strings.Join(append(priorLayers, layer.Summary), "\n\n")
		topic.Compaction = &routing.CompactionRecord{
			LastCompactionAt: time.Now().UTC(),
			LayerCount:       layerCount,
		}
		if err := store.UpsertTopic(ctx, *topic); err != nil {
			return routing.CompactionLayer{}, err
		}
	}
	return layer, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite chat database")
	fs.StringVar(&cfg.TopicID, "topic", "", "Topic id to compact")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model to use for summarization")
	fs.IntVar(&cfg.Window, "window", 0, "Only compact the newest N messages (0 compacts all)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Print the layer without updating the topic")
	fs.BoolVar(&cfg.Pretty, "pretty", false, "Pretty-print the JSON output")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides OPENAI_API_KEY env var)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
