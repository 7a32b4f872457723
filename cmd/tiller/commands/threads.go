package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillerhq/tiller/internal/config"
	"github.com/tillerhq/tiller/internal/store"
	"github.com/tillerhq/tiller/internal/thread"
)

var threadsDir string

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversation threads for this workspace",
	RunE:  runThreads,
}

func init() {
	threadsCmd.Flags().StringVarP(&threadsDir, "directory", "d", "", "Working directory")
}

func runThreads(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(threadsDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}

	st := store.New(dataDir)
	threads, err := thread.NewService(st).List(cmd.Context(), cfg.ResourceID, nil)
	if err != nil {
		return err
	}

	if len(threads) == 0 {
		fmt.Println("No threads.")
		return nil
	}
	for _, t := range threads {
		updated := time.UnixMilli(t.Time.Updated).Format(time.RFC3339)
		fmt.Printf("%s  %s  %s\n", t.ID, updated, t.Title)
	}
	return nil
}
