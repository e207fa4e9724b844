// Command account-index-writer replays a stream of Solana account updates
// into the token secondary index tables in PostgreSQL. Updates arrive as
// newline-delimited JSON on stdin or from a file; each is classified and
// routed through the batched upsert engine.
package main

import (
	"bufio"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CriesofCarrots/solana-geyser-plugin-postgres/indexer"
)

// accountEvent is the wire form of one account update: base64 keys and
// payload plus the slot the state was observed at.
type accountEvent struct {
	Pubkey string `json:"pubkey"`
	Owner  string `json:"owner"`
	Data   string `json:"data"`
	Slot   uint64 `json:"slot"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	inputPath := flag.String("input", "-", "account update stream (JSONL file, or - for stdin)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	db, err := sql.Open("postgres", cfg.GetPostgresConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	if err := initializeSchema(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}

	// Statement preparation happens before any traffic is accepted; a
	// schema or configuration problem stops the service here.
	engine, err := indexer.NewEngine(db, cfg.EngineConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare index statements")
	}

	health := NewHealthServer(cfg.Service.HealthPort, db)
	health.Start()
	defer health.Stop()

	input := os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open input stream")
		}
		defer f.Close()
		input = f
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().
		Str("service", cfg.Service.Name).
		Int("batch_size", cfg.Postgres.BatchSize).
		Bool("index_token_owner", cfg.Indexes.TokenOwner).
		Bool("index_token_mint", cfg.Indexes.TokenMint).
		Msg("Starting account index writer")

	processed, failed, err := run(engine, health, input, sigChan)

	// The bulk path never auto-flushes a trailing partial batch; drain it
	// through the single-row path before reporting final counts.
	if owner, mint := engine.Pending(); owner > 0 || mint > 0 {
		log.Info().Int("owner_rows", owner).Int("mint_rows", mint).Msg("Draining buffered index rows")
		if drainErr := engine.DrainBufferedIndexes(); drainErr != nil {
			health.RecordError(drainErr)
			log.Error().Err(drainErr).Msg("Failed to drain buffered index rows")
		}
	}

	log.Info().
		Uint64("updates_processed", processed).
		Uint64("updates_failed", failed).
		Msg("Account index writer stopped")

	if err != nil {
		log.Fatal().Err(err).Msg("Ingest loop failed")
	}
}

// run consumes the update stream until EOF or a shutdown signal, feeding
// every event through the buffered index path.
func run(engine *indexer.Engine, health *HealthServer, input io.Reader, sigChan <-chan os.Signal) (processed, failed uint64, err error) {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			return processed, failed, nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		update, err := decodeEvent(line)
		if err != nil {
			failed++
			health.RecordError(err)
			log.Error().Err(err).Msg("Skipping malformed account event")
			continue
		}

		if err := engine.QueueSecondaryIndexes(update); err != nil {
			// The engine already discarded the affected batch; the rows
			// are gone and the stream continues.
			failed++
			health.RecordError(err)
			log.Error().Err(err).Uint64("slot", update.Slot).Msg("Index update failed")
			continue
		}
		processed++
		health.RecordUpdate()
	}

	if err := scanner.Err(); err != nil {
		return processed, failed, fmt.Errorf("reading update stream: %w", err)
	}
	return processed, failed, nil
}

func decodeEvent(line []byte) (*indexer.AccountUpdate, error) {
	var ev accountEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("parsing account event: %w", err)
	}
	pubkey, err := base64.StdEncoding.DecodeString(ev.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("decoding pubkey: %w", err)
	}
	owner, err := base64.StdEncoding.DecodeString(ev.Owner)
	if err != nil {
		return nil, fmt.Errorf("decoding owner: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding account data: %w", err)
	}
	return &indexer.AccountUpdate{
		Pubkey: pubkey,
		Owner:  owner,
		Data:   data,
		Slot:   ev.Slot,
	}, nil
}
