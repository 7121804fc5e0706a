package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/expenseflow"
	"github.com/deepnoodle-ai/expenseflow/httpapi"
	"github.com/deepnoodle-ai/expenseflow/steps"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	resumeStep   string
	resumeData   string
	runsStatus   string
	runsLimit    int
	seedFilePath string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)

	startCmd := &cobra.Command{
		Use:   "start IMAGE_URL",
		Short: "Process a receipt image until it needs review",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a run waiting for review",
		Long: `Resume a suspended run. Without --data the draft shown at suspension is
approved unchanged. --data - reads the reviewed draft from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runResume,
	}
	resumeCmd.Flags().StringVar(&resumeStep, "step", steps.ReviewID, "step the run is suspended at")
	resumeCmd.Flags().StringVarP(&resumeData, "data", "d", "", "JSON file with the reviewed draft, or - for stdin")
	rootCmd.AddCommand(resumeCmd)

	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its step journal",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(runsCmd)

	categoriesCmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage expense categories",
	}
	categoriesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE:  runCategoriesList,
	})
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create missing categories from a seed file or the defaults",
		RunE:  runCategoriesSeed,
	}
	seedCmd.Flags().StringVarP(&seedFilePath, "file", "f", "", "YAML seed file (overrides categories.seed_file)")
	categoriesCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(categoriesCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	service, err := a.service(ctx, false, nil)
	if err != nil {
		return err
	}
	if a.model == nil {
		a.logger.Warn("no API key configured, receipts will fail at extraction")
	}

	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	e := httpapi.NewServer(service, a.logger).Handler()

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", addr)
		errs <- e.Start(addr)
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	service, err := a.service(ctx, true, newProgress(jsonOutput))
	if err != nil {
		return err
	}
	if !jsonOutput {
		wf := service.Workflow()
		color.Cyan("Workflow: %s", wf.Name())
		color.White("Description: %s", wf.Description())
	}
	res, err := service.Start(ctx, args[0])
	if err != nil {
		return err
	}
	return printResult(res)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	service, err := a.service(ctx, false, newProgress(jsonOutput))
	if err != nil {
		return err
	}

	runID := args[0]
	var data json.RawMessage
	switch resumeData {
	case "":
		run, err := service.Run(ctx, runID)
		if err != nil {
			return err
		}
		rec, ok := run.SuspendedStep()
		if !ok {
			return fmt.Errorf("run %s is %s, not waiting for review", runID, run.Status)
		}
		data = rec.SuspendPayload
	case "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	default:
		data, err = os.ReadFile(resumeData)
	}
	if err != nil {
		return fmt.Errorf("failed to read resume data: %w", err)
	}

	res, err := service.Resume(ctx, runID, resumeStep, data)
	if err != nil {
		return err
	}
	return printResult(res)
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	service, err := a.service(ctx, false, nil)
	if err != nil {
		return err
	}
	run, err := service.Run(ctx, args[0])
	if err != nil {
		return err
	}
	history, err := a.stepLogger.GetStepHistory(ctx, run.ID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"run": run, "journal": history})
	}
	printRun(run, history)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := expenseflow.RunFilter{Status: expenseflow.RunStatus(runsStatus), Limit: runsLimit}
	if runsStatus != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", runsStatus)
	}
	summaries, err := a.runs.List(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(summaries)
	}
	printSummaries(summaries)
	return nil
}

func runCategoriesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.repo.ListCategories(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(list)
	}
	if len(list) == 0 {
		color.Yellow("No categories, run \"expenseflow categories seed\"")
		return nil
	}
	for _, c := range list {
		fmt.Printf("  %-16s %-8s %s\n", c.Name, c.Color, c.Description)
	}
	return nil
}

func runCategoriesSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.seed(ctx, seedFilePath)
	if err != nil {
		return err
	}
	color.Green("Created %d categories", created)
	return nil
}
