package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-captions/internal/feed"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

var historyMinutes int

var feedsCmd = &cobra.Command{
	Use:   "feeds [feed-id]",
	Short: "List feeds, or show one feed's recent captions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFeeds,
}

func init() {
	feedsCmd.Flags().IntVar(&historyMinutes, "minutes", 10, "History to show for a single feed")
	rootCmd.AddCommand(feedsCmd)
}

func runFeeds(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		var body struct {
			Feeds []feed.Info `json:"feeds"`
		}
		if err := getJSON(ctx, baseURL()+"/api/feeds", &body); err != nil {
			printError("list feeds", err)
			return err
		}
		for _, f := range body.Feeds {
			state := "enabled"
			if !f.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(out, "%-20s %-30s ch=%d %s\n", f.ID, f.Name, f.Channel, state)
		}
		return nil
	}

	var body struct {
		Captions []protocol.Caption `json:"captions"`
	}
	url := fmt.Sprintf("%s/api/feeds/%s/history?minutes=%d", baseURL(), args[0], historyMinutes)
	if err := getJSON(ctx, url, &body); err != nil {
		printError("feed history", err)
		return err
	}
	for _, c := range body.Captions {
		fmt.Fprintf(out, "[%s] %s\n", c.Timestamp.Local().Format("15:04:05"), c.Text)
	}
	return nil
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
