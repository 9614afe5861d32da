package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/config"
	"github.com/kalambet/printdesk/internal/llm"
	"github.com/kalambet/printdesk/internal/orchestrator"
	"github.com/kalambet/printdesk/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant as a customer",
	Long: `Talk to the assistant as a customer. Each line is sent as one turn,
without the debounce window.

Examples:
  printdesk chat --user test-1 --name Ana
  echo "quiero 500 tarjetas" | printdesk chat --user test-2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return chatLoop(cmd.Context(), client, userID, name, bufio.NewScanner(os.Stdin))
	},
}

func init() {
	chatCmd.Flags().String("user", "cli", "customer id to chat as")
	chatCmd.Flags().String("name", "", "customer display name")
}

type turnResponse struct {
	Results []orchestrator.TurnResult `json:"results"`
}

func chatLoop(ctx context.Context, client *apiClient, userID, name string, in *bufio.Scanner) error {
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}

		resp, err := client.post(ctx, "/v1/messages?sync=true", map[string]any{
			"user_id":      userID,
			"display_name": name,
			"text":         line,
		})
		if err != nil {
			return err
		}
		var out turnResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		for _, r := range out.Results {
			switch {
			case r.Status == orchestrator.StatusIgnored:
				printWarning("message ignored: %s is blacklisted", userID)
			case r.Reply != "":
				printReply(r.Reply)
			}
			if r.Finalized {
				printSuccess("order confirmed")
			}
			if r.Cancelled {
				printWarning("order cancelled")
			}
			if r.Escalation != "" {
				printWarning("conversation escalated: %s", r.Escalation)
			}
		}
	}
	return in.Err()
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and reset customer conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/sessions")
		if err != nil {
			return err
		}

		var sessions []struct {
			UserID          string    `json:"user_id"`
			DisplayName     string    `json:"display_name"`
			Phase           string    `json:"phase"`
			LastInteraction time.Time `json:"last_interaction"`
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No active conversations.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %-24s  %-26s  %s\n",
				colorize(colorCyan, s.UserID),
				s.DisplayName,
				s.Phase,
				s.LastInteraction.Local().Format("2006-01-02 15:04"),
			)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a conversation with its draft order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var view any
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		return printJSON(view)
	},
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset <user-id>",
	Short: "Discard a conversation, its timers and blacklist entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Reset %s", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsResetCmd)
}

// --- blacklist ---

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "List or lift blacklist entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/blacklist")
		if err != nil {
			return err
		}
		var entries []struct {
			UserID  string    `json:"user_id"`
			Reason  string    `json:"reason"`
			Expires time.Time `json:"expires"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Nobody is blacklisted.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-18s  until %s\n", colorize(colorCyan, e.UserID), e.Reason, e.Expires.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "lift <user-id>",
	Short: "Let the assistant answer a blacklisted customer again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/blacklist/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Unblocked %s", args[0])
		return nil
	},
}

func init() {
	blacklistCmd.AddCommand(unblockCmd)
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show, sync or import the service catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services by category",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/services")
		if err != nil {
			return err
		}
		var out struct {
			LoadedAt time.Time                        `json:"loaded_at"`
			Services map[string][]catalog.ServiceInfo `json:"services"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printServices(out.Services)
		printStatus("Loaded", "%s", out.LoadedAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

func printServices(services map[string][]catalog.ServiceInfo) {
	if len(services) == 0 {
		fmt.Println("The catalog is empty.")
		return
	}
	cats := make([]string, 0, len(services))
	for c := range services {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Println(colorize(colorBold, c))
		for _, s := range services[c] {
			line := "  " + s.Name
			if len(s.AvailableFinishes) > 0 {
				line += "  [" + strings.Join(s.AvailableFinishes, ", ") + "]"
			}
			fmt.Println(line)
		}
	}
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-import the catalog sheet now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/catalog/sync", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Catalog synced")
		return nil
	},
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.html>",
	Short: "Import the catalog from a saved sheet export (server may be stopped)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		n, err := importCatalog(cmd.Context(), cfg.Storage.DataDir, args[0])
		if err != nil {
			return err
		}
		printSuccess("Imported %d services", n)
		return nil
	},
}

// fileSource serves a saved sheet export as a catalog source.
type fileSource struct {
	path string
}

func (f fileSource) Fetch(context.Context) (catalog.Snapshot, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return catalog.Snapshot{}, err
	}
	defer file.Close()
	services, err := catalog.ParseServiceTable(file)
	if err != nil {
		return catalog.Snapshot{}, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return catalog.Snapshot{Services: services}, nil
}

func importCatalog(ctx context.Context, dataDir, path string) (int, error) {
	store, err := storage.Open(dataDir)
	if err != nil {
		return 0, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	cat := catalog.New(store, fileSource{path: path}, false)
	if err := cat.Sync(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, list := range cat.GetServices(ctx) {
		n += len(list)
	}
	return n, nil
}

func init() {
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogSyncCmd)
	catalogCmd.AddCommand(catalogImportCmd)
}

// --- orders ---

var ordersCmd = &cobra.Command{
	Use:   "orders <user-id>",
	Short: "List a customer's confirmed orders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/orders?user_id=%s&limit=%d", url.QueryEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var orders []storage.Order
		if err := decodeJSON(resp, &orders); err != nil {
			return err
		}
		if len(orders) == 0 {
			fmt.Println("No orders found.")
			return nil
		}
		for _, o := range orders {
			fmt.Printf("%s  %s  %-20s  x%d  %s\n",
				colorize(colorCyan, fmt.Sprintf("#%d", o.RowIndex)),
				o.CreatedAt.Local().Format("2006-01-02 15:04"),
				o.Service,
				o.Quantity,
				o.FilePath,
			)
		}
		return nil
	},
}

func init() {
	ordersCmd.Flags().Int("limit", 20, "maximum number of orders to list")
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the completion endpoint offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			id := m.ID
			if id == cfg.LLM.Model {
				id = colorize(colorGreen, id+" (configured)")
			}
			fmt.Printf("  %s\n", id)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
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
