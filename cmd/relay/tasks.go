package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/scheduler"
	"relay/internal/store"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(tasksImportCmd())
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksSetActiveCmd("enable", true))
	cmd.AddCommand(tasksSetActiveCmd("disable", false))
	return cmd
}

func openStoreFromConfig() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func tasksImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [seed.yaml]",
		Short: "Import channels and tasks from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := config.LoadSeed(args[0])
			if err != nil {
				return err
			}
			channels, err := seed.ChannelConfigs()
			if err != nil {
				return err
			}
			tasks, err := seed.ScheduledTasks()
			if err != nil {
				return err
			}
			for i := range tasks {
				if err := scheduler.ValidateExpression(tasks[i].Kind, tasks[i].Expression); err != nil {
					return fmt.Errorf("task %q: %w", tasks[i].Name, err)
				}
			}

			s, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			for i := range channels {
				if err := s.SaveChannel(ctx, &channels[i]); err != nil {
					return fmt.Errorf("save channel %s: %w", channels[i].ID, err)
				}
				logger.Info("channel imported", "id", channels[i].ID, "provider", channels[i].Provider)
			}
			for i := range tasks {
				if err := s.SaveTask(ctx, &tasks[i]); err != nil {
					return fmt.Errorf("save task %s: %w", tasks[i].Name, err)
				}
				logger.Info("task imported", "id", tasks[i].ID, "name", tasks[i].Name, "schedule", tasks[i].Expression)
			}
			logger.Info("import complete", "channels", len(channels), "tasks", len(tasks))
			return nil
		},
	}
}

func tasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer s.Close()

			tasks, err := s.ListTasks(context.Background())
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no scheduled tasks")
				return nil
			}
			for _, task := range tasks {
				state := "inactive"
				if task.Active {
					state = "active"
				}
				fmt.Printf("%s  %-20s  %-4s  %-20s  %-8s  evaluated=%s\n",
					task.ID, task.Name, task.Kind, task.Expression, state,
					task.LastEvaluatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func tasksSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [task-id]",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SetTaskActive(context.Background(), args[0], active); err != nil {
				return err
			}
			logger.Info("task updated", "id", args[0], "active", active)
			return nil
		},
	}
}

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage channel configurations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer s.Close()

			channels, err := s.ListChannels(context.Background())
			if err != nil {
				return err
			}
			if len(channels) == 0 {
				fmt.Println("no channels configured")
				return nil
			}
			for _, ch := range channels {
				state := "inactive"
				if ch.Active {
					state = "active"
				}
				fmt.Printf("%s  %-10s  %-8s  owner=%s\n", ch.ID, ch.Provider, state, ch.OwnerID)
			}
			return nil
		},
	})
	cmd.AddCommand(channelsSetActiveCmd("enable", true))
	cmd.AddCommand(channelsSetActiveCmd("disable", false))
	return cmd
}

func channelsSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [channel-id]",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			cfg, err := s.GetChannel(ctx, args[0])
			if err != nil {
				return err
			}
			cfg.Active = active
			if err := s.SaveChannel(ctx, cfg); err != nil {
				return err
			}
			logger.Info("channel updated", "id", args[0], "active", active)
			return nil
		},
	}
}
