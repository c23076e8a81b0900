package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lernpfad/internal/config"
	"github.com/kalambet/lernpfad/internal/content"
	"github.com/kalambet/lernpfad/internal/source"
	"github.com/kalambet/lernpfad/internal/status"
	"github.com/kalambet/lernpfad/internal/workflow"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a text to be turned into a quiz or discovery path",
	Long: `Submit a text to be turned into a quiz or discovery path.

Examples:
  lernpfad submit --title "Photosynthesis" --text "Plants convert light..."
  lernpfad submit --file ./chapter3.pdf --mode discovery --wait
  lernpfad submit --url https://example.com/article --no-auto`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		mode, _ := cmd.Flags().GetString("mode")
		noAuto, _ := cmd.Flags().GetBool("no-auto")
		wait, _ := cmd.Flags().GetBool("wait")

		req, err := buildSubmitRequest(text, rawURL, file, title, mode, !noAuto)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.post(ctx, "/api/jobs", req)
		if err != nil {
			return err
		}

		var result workflow.SubmitResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued job %s (about %d min)", result.PublicSlug, result.EstimatedMinutes)
		if !wait {
			fmt.Println(result.PublicSlug)
			return nil
		}
		return watchJob(ctx, client, result.PublicSlug, status.DefaultInterval, noAuto, os.Stdout)
	},
}

func init() {
	submitCmd.Flags().String("text", "", "text content to submit")
	submitCmd.Flags().String("url", "", "URL to fetch on the server and submit")
	submitCmd.Flags().String("file", "", "file to submit (.txt, .md, .html, .pdf)")
	submitCmd.Flags().String("title", "", "title of the material")
	submitCmd.Flags().String("mode", "quiz", "quiz or discovery")
	submitCmd.Flags().Bool("no-auto", false, "stop after research; start generation later with \"generate\"")
	submitCmd.Flags().Bool("wait", false, "follow progress until the job finishes")
}

// buildSubmitRequest assembles the POST /api/jobs body. Exactly one of text,
// rawURL and file must be set.
func buildSubmitRequest(text, rawURL, file, title, mode string, auto bool) (map[string]any, error) {
	set := 0
	for _, s := range []string{text, rawURL, file} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of --text, --url, or --file is required")
	}
	if _, err := content.ParseMode(mode); err != nil {
		return nil, err
	}

	req := map[string]any{
		"mode":          mode,
		"auto_generate": auto,
	}

	switch {
	case text != "":
		req["type"] = "text"
		req["content"] = text
	case rawURL != "":
		req["type"] = "url"
		req["url"] = rawURL
	case file != "":
		body, err := source.FromFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		req["type"] = "text"
		req["content"] = body
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		}
	}

	if title == "" && rawURL == "" {
		return nil, errors.New("--title is required")
	}
	if title != "" {
		req["title"] = title
	}
	return req, nil
}

// --- status / watch ---

var statusCmd = &cobra.Command{
	Use:   "status <slug>",
	Short: "Show the progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		p, err := client.fetchStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, p)
		}
		printProjection(p)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <slug>",
	Short: "Follow a job until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return watchJob(cmd.Context(), client, args[0], interval, false, os.Stdout)
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw status payload")
	watchCmd.Flags().Duration("interval", status.DefaultInterval, "time between status reads")
}

func printProjection(p status.Projection) {
	printStatus("Job", "%s (%s)", p.PublicSlug, p.Title)
	printStatus("Mode", "%s", p.Mode)
	printStatus("Status", "%s", p.Status)
	fmt.Fprintln(os.Stderr, "  "+progressLine(p))
	if p.Error != "" {
		printStatus("Error", "%s", p.Error)
	}
	if p.RedirectURL != "" {
		printStatus("Result", "%s", p.RedirectURL)
	}
}

// watchJob polls slug until it is terminal or the user interrupts, printing a
// progress line whenever progress or step change. On completion the redirect
// URL (or the slug when no URL is known) is written to out exactly once. With
// researchOnly set, watching also ends once the research artifact is stored.
func watchJob(ctx context.Context, client *apiClient, slug string, interval time.Duration, researchOnly bool, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		last   string
		parked bool
	)
	poller := &status.Poller{Fetch: client.fetchStatus, Interval: interval}
	_, err := poller.Watch(ctx, slug, status.Hooks{
		OnUpdate: func(p status.Projection) {
			key := fmt.Sprintf("%d|%s", p.Progress.Current, p.Progress.Step)
			if key != last {
				last = key
				fmt.Fprintln(os.Stderr, progressLine(p))
			}
			if researchOnly && p.ResearchReady && !p.Terminal() {
				parked = true
				cancel()
			}
		},
		OnComplete: func(p status.Projection) {
			printSuccess("%s is ready", p.Title)
			target := p.RedirectURL
			if target == "" {
				target = p.PublicSlug
			}
			fmt.Fprintln(out, target)
		},
		OnFailed: func(p status.Projection) {
			printError("%s failed: %s", p.PublicSlug, p.Error)
		},
	})
	switch {
	case parked:
		printSuccess("Research for %s is ready; run \"lernpfad generate %s\" to continue", slug, slug)
		return nil
	case errors.Is(err, context.Canceled):
		printWarning("Stopped watching %s; the job keeps running", slug)
		return nil
	}
	return err
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <slug>",
	Short: "Start generation for a job whose research is complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.post(ctx, "/api/jobs/"+url.PathEscape(args[0])+"/generate", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Generation queued for %s", result["public_slug"])
		if wait {
			return watchJob(ctx, client, args[0], status.DefaultInterval, false, os.Stdout)
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().Bool("wait", false, "follow progress until the job finishes")
}

// --- result ---

var resultCmd = &cobra.Command{
	Use:   "result <slug>",
	Short: "Print the quiz or discovery path of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/quiz/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result content.Result
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, result)
		}
		printResult(os.Stdout, &result)
		return nil
	},
}

func init() {
	resultCmd.Flags().Bool("json", false, "print the raw result")
}

func printResult(w io.Writer, r *content.Result) {
	switch {
	case r.Quiz != nil:
		q := r.Quiz
		fmt.Fprintf(w, "%s\n", colorize(colorBold, q.Title))
		fmt.Fprintf(w, "%d questions, about %d min\n", q.TotalQuestions, q.EstimatedTime)
		for i, item := range q.Questions {
			fmt.Fprintf(w, "\n%s %s\n", colorize(colorCyan, fmt.Sprintf("%d.", i+1)), item.Question)
			for _, opt := range item.Options {
				marker := " "
				if strings.EqualFold(opt, item.CorrectAnswer) {
					marker = "*"
				}
				fmt.Fprintf(w, "   %s %s\n", marker, opt)
			}
			if len(item.Options) == 0 && item.CorrectAnswer != "" {
				fmt.Fprintf(w, "   answer: %s\n", item.CorrectAnswer)
			}
			if item.Explanation != "" {
				fmt.Fprintf(w, "   %s\n", truncate(item.Explanation, 200))
			}
		}
	case r.Discovery != nil:
		d := r.Discovery
		fmt.Fprintf(w, "%s\n", colorize(colorBold, d.Title))
		fmt.Fprintf(w, "%d objectives, %d stations, about %d min\n", len(d.Objectives), len(d.Stations), d.EstimatedTime)
		for _, o := range d.Objectives {
			fmt.Fprintf(w, "\n%s %s (%s)\n", colorize(colorCyan, o.ID), o.Title, o.Difficulty)
			if len(o.Prerequisites) > 0 {
				fmt.Fprintf(w, "   requires: %s\n", strings.Join(o.Prerequisites, ", "))
			}
			for _, s := range d.Stations {
				if s.Objective == o.ID {
					fmt.Fprintf(w, "   - [%s] %s\n", s.Type, s.Title)
				}
			}
		}
	default:
		fmt.Fprintln(w, "empty result")
	}
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/jobs?limit=%d", limit))
		if err != nil {
			return err
		}

		var jobs []struct {
			PublicSlug string    `json:"public_slug"`
			Title      string    `json:"title"`
			Mode       string    `json:"mode"`
			Status     string    `json:"status"`
			Progress   int       `json:"progress"`
			CreatedAt  time.Time `json:"created_at"`
		}
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, j := range jobs {
			fmt.Printf("%s  %-11s %3d%%  %-9s  %s  %s\n",
				colorize(colorCyan, j.PublicSlug),
				j.Status,
				j.Progress,
				j.Mode,
				j.CreatedAt.Local().Format("2006-01-02 15:04"),
				truncate(j.Title, 60),
			)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file. Secrets are read from the\n" +
		"environment only. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
