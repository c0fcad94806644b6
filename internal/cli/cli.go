package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zama9729/petal-hr-suite-16029-sub006/internal/config"
	internal_http "github.com/zama9729/petal-hr-suite-16029-sub006/internal/http"
	"github.com/zama9729/petal-hr-suite-16029-sub006/internal/log"
	internal_storage "github.com/zama9729/petal-hr-suite-16029-sub006/internal/storage"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow server and the escalation scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				log.GetLogger().Errorf("Failed to load config: %v", err)
				os.Exit(1)
			}
			store := initStore(cfg.DBConnStr)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())

			esc := service.NewEscalator(store, svc, log.GetLogger(),
				service.WithSweepInterval(cfg.SweepInterval),
				service.WithSweepBatch(cfg.SweepBatch),
				service.WithDefaultDecision(models.ActionStatus(cfg.EscalateDecision)),
			)
			esc.Start(context.Background())

			if err := internal_http.StartServer(cfg.Port, svc); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions for a tenant",
		Run: func(cmd *cobra.Command, args []string) {
			tenantID := mustFlag(cmd, "tenant")
			store := initStoreFromFlags(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())
			defs, err := svc.ListDefinitions(tenantID)
			if err != nil {
				log.GetLogger().Errorf("Failed to list workflows: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
				os.Exit(1)
			}
			if len(defs) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			for _, def := range defs {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Version: %d, Status: %s\n",
					def.ID, def.Name, def.Version, def.Status)
			}
		},
	}
	listCmd.Flags().String("tenant", "", "Tenant ID (required)")

	startCmd := &cobra.Command{
		Use:   "start [workflow-id]",
		Short: "Start an instance of a published workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			tenantID := mustFlag(cmd, "tenant")
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing workflow id: %v\n", err)
				os.Exit(1)
			}
			store := initStoreFromFlags(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())
			inst, err := svc.StartInstance(tenantID, "cli", id, nil)
			if err != nil && !service.IsExecution(err) {
				fmt.Fprintf(os.Stderr, "Error: failed to start instance: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Started instance %s (status %s, at %v)\n", inst.ID, inst.Status, []string(inst.CurrentNodeIDs))
		},
	}
	startCmd.Flags().String("tenant", "", "Tenant ID (required)")

	decideCmd := &cobra.Command{
		Use:   "decide [action-id] [approved|rejected]",
		Short: "Decide a pending action",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			tenantID := mustFlag(cmd, "tenant")
			role, _ := cmd.Flags().GetString("role")
			reason, _ := cmd.Flags().GetString("reason")
			store := initStoreFromFlags(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())
			inst, err := svc.Decide(tenantID, "cli", role, args[0], models.ActionStatus(args[1]), reason)
			if err != nil && !service.IsExecution(err) {
				fmt.Fprintf(os.Stderr, "Error: failed to decide action: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Decided action %s; instance %s is now %s\n", args[0], inst.ID, inst.Status)
		},
	}
	decideCmd.Flags().String("tenant", "", "Tenant ID (required)")
	decideCmd.Flags().String("role", "", "Role deciding the action")
	decideCmd.Flags().String("reason", "", "Decision reason")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep and exit",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStoreFromFlags(cmd)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())
			esc := service.NewEscalator(store, svc, log.GetLogger())
			n, err := esc.Sweep()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: escalation sweep failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Escalated %d action(s)\n", n)
		},
	}

	for _, c := range []*cobra.Command{listCmd, startCmd, decideCmd, sweepCmd} {
		c.Flags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	}
	rootCmd.AddCommand(serveCmd, listCmd, startCmd, decideCmd, sweepCmd)
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil || v == "" {
		fmt.Fprintf(os.Stderr, "Error: --%s is required\n", name)
		os.Exit(1)
	}
	return v
}

func initStoreFromFlags(cmd *cobra.Command) *internal_storage.PostgresStore {
	connStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if connStr == "" {
		cfg, err := config.Load()
		if err != nil {
			log.GetLogger().Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
		connStr = cfg.DBConnStr
	}
	return initStore(connStr)
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
