package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/tutorai/internal/config"
)

// --- rewrite ---

type rewriteResult struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Model         string   `json:"model"`
	Tier          string   `json:"tier"`
	QualityScore  *float64 `json:"quality_score"`
	LowConfidence bool     `json:"low_confidence"`
	CacheHit      bool     `json:"cache_hit"`
	Attempts      int      `json:"attempts"`
	Cost          float64  `json:"cost"`
	ElapsedMs     int64    `json:"elapsed_ms"`
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Rewrite an answer key into a student-facing explanation",
	Long: `Rewrite an answer key into a student-facing explanation.

Examples:
  tutorai rewrite --question "Solve 2x+3=7" --answer "x=2"
  tutorai rewrite --question-file q.txt --answer-file key.pdf --style detailed
  tutorai rewrite --question "Why is the sky blue?" --answer "Rayleigh scattering" --stream`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := rewriteRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if stream, _ := cmd.Flags().GetBool("stream"); stream {
			resp, err := client.post(cmd.Context(), "/v1/rewrites/stream", req)
			if err != nil {
				return err
			}
			if err := readEvents(resp, os.Stdout); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout)
			return nil
		}

		resp, err := client.post(cmd.Context(), "/v1/rewrites", req)
		if err != nil {
			return err
		}
		var res rewriteResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		fmt.Fprintln(os.Stdout, res.Text)
		printRewriteMeta(res)
		return nil
	},
}

func rewriteRequestFromFlags(cmd *cobra.Command) (map[string]any, error) {
	question, _ := cmd.Flags().GetString("question")
	answer, _ := cmd.Flags().GetString("answer")
	questionFile, _ := cmd.Flags().GetString("question-file")
	answerFile, _ := cmd.Flags().GetString("answer-file")

	var err error
	if questionFile != "" {
		if question, err = readInputFile(questionFile); err != nil {
			return nil, err
		}
	}
	if answerFile != "" {
		if answer, err = readInputFile(answerFile); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(question) == "" || strings.TrimSpace(answer) == "" {
		return nil, fmt.Errorf("a question (--question or --question-file) and an answer (--answer or --answer-file) are required")
	}

	style, _ := cmd.Flags().GetString("style")
	req := map[string]any{
		"question": question,
		"answer":   answer,
		"style":    style,
	}
	for flag, field := range map[string]string{
		"subject":  "subject",
		"type":     "question_type",
		"grade":    "grade_level",
		"callback": "callback_url",
	} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			req[field] = v
		}
	}
	return req, nil
}

func printRewriteMeta(res rewriteResult) {
	if res.ID != "" {
		printStatus("ID", "%s", res.ID)
	}
	printStatus("Model", "%s (%s tier)", res.Model, res.Tier)
	printStatus("Quality", "%s", scoreLabel(res.QualityScore, res.LowConfidence))
	if res.CacheHit {
		printStatus("Source", "cache")
	} else {
		printStatus("Attempts", "%d", res.Attempts)
		printStatus("Cost", "$%.4f", res.Cost)
	}
	printStatus("Elapsed", "%s", (time.Duration(res.ElapsedMs) * time.Millisecond).String())
}

func init() {
	addRewriteFlags(rewriteCmd.Flags())
}

func addRewriteFlags(f *pflag.FlagSet) {
	f.String("question", "", "question text")
	f.String("answer", "", "reference answer text")
	f.String("question-file", "", "read the question from a file (.pdf is text-extracted)")
	f.String("answer-file", "", "read the answer from a file (.pdf is text-extracted)")
	f.String("style", "guided", "explanation style: guided, detailed, simplified, interactive")
	f.String("subject", "", "subject, e.g. algebra")
	f.String("type", "", "question type, e.g. word_problem")
	f.String("grade", "", "grade level, e.g. 8")
	f.String("callback", "", "URL that receives the accepted result")
	f.Bool("stream", false, "stream the rewrite as it is generated")
	f.Bool("json", false, "print the full result as JSON")
}

// --- rewrites ---

var rewritesCmd = &cobra.Command{
	Use:   "rewrites",
	Short: "Browse stored rewrites",
}

var rewritesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent rewrites",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/rewrites?limit=%d", limit))
		if err != nil {
			return err
		}

		var rewrites []struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"created_at"`
			Question  string    `json:"question"`
			Style     string    `json:"style"`
			Tier      string    `json:"tier"`
		}
		if err := decodeJSON(resp, &rewrites); err != nil {
			return err
		}

		if len(rewrites) == 0 {
			printWarning("No rewrites yet")
			return nil
		}
		for _, rw := range rewrites {
			fmt.Printf("%s  %s  %-11s %-8s %s\n",
				colorize(colorCyan, rw.ID),
				rw.CreatedAt.Local().Format("2006-01-02 15:04"),
				rw.Style, rw.Tier, truncate(rw.Question, 60))
		}
		return nil
	},
}

var rewritesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one rewrite as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/rewrites/"+args[0])
		if err != nil {
			return err
		}
		var rw map[string]any
		if err := decodeJSON(resp, &rw); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rw)
	},
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	rewritesListCmd.Flags().Int("limit", 20, "maximum number of rewrites")
	rewritesCmd.AddCommand(rewritesListCmd)
	rewritesCmd.AddCommand(rewritesShowCmd)
}

// --- budget ---

type budgetReport struct {
	Ceiling   float64            `json:"ceiling"`
	Spent     float64            `json:"spent"`
	Reserved  float64            `json:"reserved"`
	Remaining float64            `json:"remaining"`
	ByModel   map[string]float64 `json:"by_model"`
	Cache     *struct {
		Entries int   `json:"entries"`
		Hits    int64 `json:"hits"`
		Misses  int64 `json:"misses"`
	} `json:"cache"`
}

func (b budgetReport) summary() string {
	return fmt.Sprintf("$%.4f of $%.2f spent, $%.4f remaining", b.Spent, b.Ceiling, b.Remaining)
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spend against the budget ceiling",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/budget")
		if err != nil {
			return err
		}
		var b budgetReport
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}

		printStatus("Budget", "%s", b.summary())
		if b.Reserved > 0 {
			printStatus("Reserved", "$%.4f", b.Reserved)
		}
		models := make([]string, 0, len(b.ByModel))
		for m := range b.ByModel {
			models = append(models, m)
		}
		sort.Strings(models)
		for _, m := range models {
			printStatus("  "+m, "$%.4f", b.ByModel[m])
		}
		if b.Cache != nil {
			printStatus("Cache", "%d entries, %d hits, %d misses", b.Cache.Entries, b.Cache.Hits, b.Cache.Misses)
		}
		return nil
	},
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/models")
		if err != nil {
			return err
		}
		var list struct {
			Data []struct {
				Task          string  `json:"task"`
				Tier          string  `json:"tier"`
				Model         string  `json:"model"`
				Provider      string  `json:"provider"`
				Profile       string  `json:"profile"`
				InputPerMTok  float64 `json:"input_per_mtok"`
				OutputPerMTok float64 `json:"output_per_mtok"`
			} `json:"data"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		for _, m := range list.Data {
			task := m.Task
			if m.Profile != "" {
				task += "/" + m.Profile
			}
			fmt.Printf("%-18s %-9s %s  %s  $%.2f/$%.2f per Mtok\n",
				task, m.Tier, colorize(colorBold, m.Model), m.Provider, m.InputPerMTok, m.OutputPerMTok)
		}
		return nil
	},
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
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
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

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
