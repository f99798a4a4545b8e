package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tejas242/sift/internal/embed"
	"github.com/tejas242/sift/internal/gitrepo"
	"github.com/tejas242/sift/internal/index"
	"github.com/tejas242/sift/internal/repo"
	"github.com/tejas242/sift/internal/retriever"
	"github.com/tejas242/sift/internal/tui"
	"github.com/tejas242/sift/internal/watcher"
)

var (
	defaultModelDir = "./models"
	defaultSiftDir  = ".sift"
	defaultOrtLib   = "./lib/onnxruntime.so"
	defaultThreads  = 0
	defaultMaxFile  = 512
)

func main() {
	// A .env file in the working directory is picked up alongside the
	// real process environment (real env vars always win); missing is
	// not an error.
	_ = godotenv.Load()

	if os.Getenv("SIFT_DEBUG") == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if isTTY(os.Stderr) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	root := &cobra.Command{
		Use:   "sift",
		Short: "Local semantic search for developers",
		Long:  "sift — code-aware hybrid (vector + BM25) search over local Git repositories, running fully offline on BGE-small-en-v1.5 and a hand-rolled HNSW index.",
	}

	var cfg struct {
		ModelDir  string `toml:"model-dir"`
		OrtLib    string `toml:"ort-lib"`
		Threads   int    `toml:"threads"`
		MaxFileKB int    `toml:"max-file-kb"`
	}

	if b, err := os.ReadFile(".sift.toml"); err == nil {
		if err := toml.Unmarshal(b, &cfg); err == nil {
			if cfg.ModelDir != "" {
				defaultModelDir = cfg.ModelDir
			}
			if cfg.OrtLib != "" {
				defaultOrtLib = cfg.OrtLib
			}
			if cfg.Threads > 0 {
				defaultThreads = cfg.Threads
			}
			if cfg.MaxFileKB > 0 {
				defaultMaxFile = cfg.MaxFileKB
			}
		}
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		defaultModelDir = v
	}

	var modelDir string
	var ortLib string
	var numThreads int
	var maxFileKB int
	var dataDir string
	root.PersistentFlags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing ONNX model files (overridden by $MODEL_PATH)")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", defaultOrtLib, "path to onnxruntime.so (auto-detected if empty)")
	root.PersistentFlags().IntVar(&numThreads, "threads", defaultThreads, "ONNX intra-op thread count (0 = auto, usually NumCPU capped at 4)")
	root.PersistentFlags().IntVar(&maxFileKB, "max-file-kb", defaultMaxFile, "skip indexing files larger than this (in KB)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultSiftDir, "sift's persisted state directory")

	resolveOrtLib := func(flag string) string {
		if flag != "" {
			return flag
		}
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "lib", "onnxruntime.so")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		if _, err := os.Stat(defaultOrtLib); err == nil {
			absPath, _ := filepath.Abs(defaultOrtLib)
			return absPath
		}
		return ""
	}

	// openProvider loads the ONNX model + tokenizer, printing status so
	// the user knows it isn't stuck (model loading can take 1-4s).
	openProvider := func() (*embed.Provider, error) {
		fmt.Fprint(os.Stderr, "Loading model… ")
		p, err := embed.New(modelDir, resolveOrtLib(ortLib), numThreads)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		return p, nil
	}

	openIndexer := func(dir string, p *embed.Provider) (*index.Indexer, error) {
		return index.Open(dir, p, int64(maxFileKB)*1024)
	}

	// indexDirs indexes directories using ctx for cancellation.
	// IMPORTANT: ONNX's session.Run() is a blocking CGo call Go cannot
	// preempt. A hard-exit goroutine guarantees Ctrl+C terminates the
	// process after a grace period; a "done" channel cancels it on a
	// clean exit so the interrupt message never prints spuriously.
	indexDirs := func(ctx context.Context, idx *index.Indexer, dirs []string) error {
		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-done:
				return
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "\n[sift] stopping — waiting up to 1s for current embed to finish…")
				select {
				case <-done:
					return
				case <-time.After(time.Second):
					fmt.Fprintln(os.Stderr, "[sift] exiting.")
					os.Exit(130)
				}
			}
		}()

		prog := makeProgressPrinter()
		for _, dir := range dirs {
			fmt.Fprintf(os.Stderr, "Scanning %s…\n", dir)
			err := idx.IndexDir(ctx, dir, index.FullIndexOptions{Progress: prog})
			if err != nil {
				if isInterrupted(err) {
					fmt.Fprintln(os.Stderr, "\nInterrupted — index left at its last saved state.")
					return nil
				}
				return err
			}
		}
		return nil
	}

	printHits := func(hits []retriever.Hit, jsonOut bool) error {
		if len(hits) == 0 {
			if jsonOut {
				fmt.Println("[]")
			} else {
				fmt.Println("no results")
			}
			return nil
		}
		if jsonOut {
			j, err := json.MarshalIndent(hits, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal json: %w", err)
			}
			fmt.Println(string(j))
			return nil
		}
		for i, h := range hits {
			fmt.Printf("%2d  %.3f  %s:%d\n%s\n\n", i+1, h.Score, h.Chunk.Path, h.Chunk.LineNum, h.Snippet)
		}
		return nil
	}

	// ---- sift index <dir> --------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "index <dir> [dir...]",
		Short: "Index all supported files in a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := openProvider()
			if err != nil {
				return err
			}
			defer p.Close()

			idx, err := openIndexer(dataDir, p)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := indexDirs(ctx, idx, args); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks from %d files indexed.\n", s.NumChunks, s.NumFiles)
			return nil
		},
	})

	// ---- sift search <query> -----------------------------------------------
	var jsonExport bool
	var kFlag int
	var vWeightFlag, bWeightFlag float64
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive hybrid (vector + BM25) search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			p, err := openProvider()
			if err != nil {
				return err
			}
			defer p.Close()

			idx, err := openIndexer(dataDir, p)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := idx.EnsureBuilt(); err != nil {
				return err
			}
			qvec, err := p.EmbedQuery(query)
			if err != nil {
				return err
			}

			var hits []retriever.Hit
			if vWeightFlag > 0 || bWeightFlag > 0 {
				hits, err = retriever.SearchWithWeights(idx.Source(), qvec, query, kFlag, float32(vWeightFlag), float32(bWeightFlag))
			} else {
				hits, err = retriever.Search(idx.Source(), qvec, query, kFlag)
			}
			if err != nil {
				return err
			}
			return printHits(hits, jsonExport)
		},
	}
	searchCmd.Flags().BoolVar(&jsonExport, "json", false, "output search results as JSON")
	searchCmd.Flags().IntVar(&kFlag, "k", 10, "number of results to return")
	searchCmd.Flags().Float64Var(&vWeightFlag, "vector-weight", 0, "override the vector fusion weight (an unset --bm25-weight counts as 0)")
	searchCmd.Flags().Float64Var(&bWeightFlag, "bm25-weight", 0, "override the BM25 fusion weight (an unset --vector-weight counts as 0)")
	root.AddCommand(searchCmd)

	// ---- sift watch <dir> --------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Index a directory then watch it for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := openProvider()
			if err != nil {
				return err
			}
			defer p.Close()

			idx, err := openIndexer(dataDir, p)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := indexDirs(ctx, idx, args); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks indexed. Watching for changes… (Ctrl+C to stop)\n", s.NumChunks)

			w, err := watcher.New(idx)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()

			for _, dir := range args {
				go func(d string) {
					if err := w.Watch(d, done); err != nil {
						log.Error().Err(err).Str("dir", d).Msg("watch failed")
					}
				}(dir)
			}
			<-done
			return nil
		},
	})

	// ---- sift tui ----------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch interactive BubbleTea search interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProvider()
			if err != nil {
				return err
			}
			defer p.Close()

			idx, err := openIndexer(dataDir, p)
			if err != nil {
				return err
			}
			defer idx.Close()

			m := tui.New(idx, p)
			prog := tea.NewProgram(m, tea.WithAltScreen())
			_, err = prog.Run()
			return err
		},
	})

	// ---- sift stats --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProvider()
			if err != nil {
				return err
			}
			defer p.Close()

			idx, err := openIndexer(dataDir, p)
			if err != nil {
				return err
			}
			defer idx.Close()

			s := idx.Stats()
			fmt.Printf("chunks:      %d\n", s.NumChunks)
			fmt.Printf("files:       %d\n", s.NumFiles)
			fmt.Printf("dimension:   %d\n", s.Dimension)
			fmt.Printf("model:       %s\n", s.ModelTag)
			fmt.Printf("graph layers:%d\n", s.GraphLayers)
			fmt.Printf("dirty:       %v\n", s.Dirty)
			if !s.LastUpdated.IsZero() {
				fmt.Printf("updated:     %s\n", s.LastUpdated.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	// ---- sift clear --------------------------------------------------------
	var forceFlag bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove sift's persisted state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(dataDir); os.IsNotExist(err) {
				fmt.Println("No index found — nothing to clear.")
				return nil
			}
			if !forceFlag {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", dataDir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(dataDir); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Index cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&forceFlag, "force", false, "skip confirmation prompt")
	root.AddCommand(clearCmd)

	// ---- sift rebuild -------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "rebuild <dir> [dir...]",
		Short: "Wipe and rebuild the index from scratch (ignores the embedding cache)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := os.RemoveAll(dataDir); err != nil {
				return fmt.Errorf("reset data dir: %w", err)
			}

			p, err := openProvider()
			if err != nil {
				return err
			}
			defer p.Close()

			idx, err := openIndexer(dataDir, p)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := indexDirs(ctx, idx, args); err != nil {
				return err
			}
			s := idx.Stats()
			fmt.Fprintf(os.Stderr, "Done. %d chunks from %d files.\n", s.NumChunks, s.NumFiles)
			return nil
		},
	})

	// ---- sift sync [<repo>] -------------------------------------------------
	var syncBranch string
	syncCmd := &cobra.Command{
		Use:   "sync [repo]",
		Short: "Incrementally sync a registered repository to its current HEAD",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := repo.Open(dataDir)
			if err != nil {
				return err
			}
			if err := mgr.Lock(cmd.Context()); err != nil {
				return err
			}
			defer mgr.Unlock()

			var rec repo.Record
			var ok bool
			if len(args) > 0 {
				for _, r := range mgr.List() {
					if r.Name == args[0] || r.ID == args[0] {
						rec, ok = r, true
						break
					}
				}
			} else {
				rec, ok = mgr.Active()
			}
			if !ok {
				return fmt.Errorf("no such repository (register one with `sift repo add`)")
			}

			git, err := gitrepo.Open(rec.CanonicalPath)
			if err != nil {
				return err
			}

			p, err := openProvider()
			if err != nil {
				return err
			}
			defer p.Close()

			if syncBranch != "" {
				current, err := git.CurrentBranch(cmd.Context())
				if err != nil {
					return err
				}
				if current != syncBranch {
					return fmt.Errorf("working tree is on %q, not %q — checkout %q first", current, syncBranch, syncBranch)
				}
			}

			ix, plan, err := mgr.Sync(cmd.Context(), rec, gitAdapter{git}, p, int64(maxFileKB)*1024)
			if err != nil {
				return err
			}
			defer ix.Close()

			s := ix.Stats()
			fmt.Printf("%s sync (%s): %d chunks, %d files, changed=%v\n", plan.Kind, plan.Branch, s.NumChunks, s.NumFiles, plan.Changed)
			return nil
		},
	}
	syncCmd.Flags().StringVar(&syncBranch, "branch", "", "branch to sync (defaults to the repo's checked-out branch)")
	root.AddCommand(syncCmd)

	// ---- sift repo {add,list,remove,switch} --------------------------------
	repoCmd := &cobra.Command{Use: "repo", Short: "Manage registered repositories"}

	var repoName string
	repoAddCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := repo.Open(dataDir)
			if err != nil {
				return err
			}
			rec, err := mgr.Add(args[0], repoName)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (%s) at %s\n", rec.Name, rec.ID, rec.CanonicalPath)
			return nil
		},
	}
	repoAddCmd.Flags().StringVar(&repoName, "name", "", "display name (defaults to the directory's base name)")
	repoCmd.AddCommand(repoAddCmd)

	repoCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := repo.Open(dataDir)
			if err != nil {
				return err
			}
			active, _ := mgr.Active()
			for _, r := range mgr.List() {
				marker := "  "
				if r.ID == active.ID {
					marker = "* "
				}
				fmt.Printf("%s%-20s %s\n", marker, r.Name, r.CanonicalPath)
			}
			return nil
		},
	})

	repoCmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := repo.Open(dataDir)
			if err != nil {
				return err
			}
			return mgr.Remove(args[0])
		},
	})

	var switchBranch string
	repoSwitchCmd := &cobra.Command{
		Use:   "switch <name>",
		Short: "Make a repository active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := repo.Open(dataDir)
			if err != nil {
				return err
			}
			rec, err := mgr.Switch(args[0], switchBranch)
			if err != nil {
				return err
			}
			fmt.Printf("active repository: %s\n", rec.Name)
			return nil
		},
	}
	repoSwitchCmd.Flags().StringVar(&switchBranch, "branch", "", "also record this as the active branch")
	repoCmd.AddCommand(repoSwitchCmd)

	root.AddCommand(repoCmd)

	// ---- sift bench --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and ONNX inference speed on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Loading model… ")
			e, err := embed.New(modelDir, resolveOrtLib(ortLib), numThreads)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			texts := []struct {
				label string
				text  string
			}{
				{"short (8 words) ", "the quick brown fox jumps over the lazy dog"},
				{"medium (50 words)", strings.Repeat("the quick brown fox ", 50)},
				{"long (200 words) ", strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)},
			}

			fmt.Printf("\n%-20s  %10s  %10s  %10s\n", "text size", "tokenize", "inference", "total")
			fmt.Println(strings.Repeat("─", 55))
			for _, tc := range texts {
				tok, inf, tot, err := e.BenchmarkSingle(tc.text)
				if err != nil {
					return fmt.Errorf("bench %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Millisecond),
					inf.Round(time.Millisecond),
					tot.Round(time.Millisecond))
			}
			fmt.Printf("\nIf inference >500ms, try: sift --threads 1 index <dir>\n")
			fmt.Printf("Set SIFT_DEBUG=1 for per-batch timing during indexing.\n")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// gitAdapter narrows *gitrepo.Repo to repo.GitCapability.
type gitAdapter struct{ r *gitrepo.Repo }

func (g gitAdapter) CurrentBranch(ctx context.Context) (string, error) { return g.r.CurrentBranch(ctx) }
func (g gitAdapter) CurrentCommit(ctx context.Context) (string, error) { return g.r.CurrentCommit(ctx) }
func (g gitAdapter) CommonAncestor(ctx context.Context, a, b string) (string, error) {
	return g.r.CommonAncestor(ctx, a, b)
}
func (g gitAdapter) Diff(ctx context.Context, from, to string) ([]gitrepo.Change, error) {
	return g.r.Diff(ctx, from, to)
}

// isInterrupted returns true if err indicates a context cancellation or deadline.
func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isTTY reports whether f looks like an interactive terminal, used to
// decide between zerolog's console writer and plain JSON output.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// makeProgressPrinter returns a ProgressFunc that prints a compact progress line.
// Skipped files (cache hit) are shown with · instead of a percentage.
func makeProgressPrinter() index.ProgressFunc {
	return func(done, total int, path string, skipped bool) {
		short := filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
		if skipped {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d]  ·   %-50s", done, total, short)
		} else {
			pct := 100 * done / total
			if done < total {
				fmt.Fprintf(os.Stderr, "\r  [%d/%d] %3d%%  %-50s",
					done, total, pct, short)
			} else {
				fmt.Fprintf(os.Stderr, "\r  [%d/%d] 100%%  %-50s\n",
					done, total, short)
			}
		}
	}
}
