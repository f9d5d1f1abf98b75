package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-orch/conduit/internal/agent"
	"github.com/conduit-orch/conduit/internal/bus"
	"github.com/conduit-orch/conduit/internal/config"
	"github.com/conduit-orch/conduit/internal/history"
	"github.com/conduit-orch/conduit/internal/orchestrator"
	"github.com/conduit-orch/conduit/internal/pipeline"
	"github.com/conduit-orch/conduit/internal/registry"
	"github.com/conduit-orch/conduit/internal/tui"
	"github.com/conduit-orch/conduit/pkg/models"
)

var (
	runMonitor bool
	runWatch   bool
	runWait    time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan file",
	Long: `Execute a plan file: spawn the declared agents, submit the tasks
with their dependencies, run the chains and parallel sets, and print
an aggregate report.

With --monitor, a live status view shows slots, queue depths,
throughput, and recent events while the plan runs. With --watch,
changes to the project config are applied live (pool size, drain
caps).`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().BoolVar(&runMonitor, "monitor", false, "Show a live status view while running")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Apply project config changes live")
	runCmd.Flags().DurationVar(&runWait, "wait", 10*time.Minute, "Maximum time to wait for the plan to finish")
}

func runPlan(cmd *cobra.Command, args []string) error {
	plan, err := LoadPlan(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := orchestrator.NewDebugLogger(cfg.Orchestrator.LogPath)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	// Optional archive feeding both bus and orchestrator records.
	var store *history.Store
	busOpts := cfg.BusOptions()
	orchOpts := []orchestrator.Option{
		orchestrator.WithMaxConcurrent(cfg.Orchestrator.MaxConcurrent),
		orchestrator.WithRetryDelay(cfg.Orchestrator.RetryDelay),
		orchestrator.WithLogger(logger),
	}
	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = history.DefaultPath()
		}
		store, err = history.Open(path, cfg.History.Cap)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		busOpts.Archive = store
		orchOpts = append(orchOpts, orchestrator.WithArchive(store))
	}

	reg := registry.New()
	b := bus.New(reg, busOpts)
	orch := orchestrator.New(b, reg, orchOpts...)
	orch.Start()
	defer orch.Stop()

	for _, a := range plan.Agents {
		var caps []string
		if a.Type != "" {
			caps = []string{a.Type}
		}
		if err := orch.RegisterAgent(a.ID, caps, agent.CommandHandler(a.Shell)); err != nil {
			return fmt.Errorf("register agent %s: %w", a.ID, err)
		}
	}

	if runWatch {
		if path := config.GetProjectConfigPath(); path != "" {
			w, err := config.Watch(path, func(next *config.Config) {
				orch.Resize(next.Orchestrator.MaxConcurrent)
				b.SetDrainCaps(next.DrainCaps())
				b.SetQueueCapacity(next.Bus.QueueCapacity)
			})
			if err != nil {
				return fmt.Errorf("watch config: %w", err)
			}
			defer w.Close()
		} else {
			fmt.Fprintln(os.Stderr, "no .conduit.yaml found, --watch has nothing to observe")
		}
	}

	done := make(chan *planReport, 1)
	go func() {
		done <- executePlan(orch, plan)
	}()

	if runMonitor {
		monitor := tui.NewMonitor(orch, cfg.Monitor.RefreshRate)
		if err := monitor.Run(); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}

	select {
	case report := <-done:
		printReport(report, orch)
		if report.failed > 0 {
			os.Exit(1)
		}
		return nil
	case <-time.After(runWait):
		return fmt.Errorf("plan did not finish within %s", runWait)
	}
}

// planReport aggregates the outcome of one plan execution.
type planReport struct {
	submitted int
	completed int
	failed    int
	chains    []chainOutcome
	parallel  []parallelOutcome
}

type chainOutcome struct {
	name  string
	chain *models.Chain
}

type parallelOutcome struct {
	name   string
	result *pipeline.ParallelResult
}

// executePlan submits all plan work and waits for it to settle.
func executePlan(orch *orchestrator.Orchestrator, plan *Plan) *planReport {
	report := &planReport{}

	submitErrs := 0
	for _, pt := range plan.Tasks {
		if _, err := orch.DistributeTask(pt.Task(), pt.DependsOn); err != nil {
			submitErrs++
			fmt.Fprintf(os.Stderr, "submit %s: %v\n", pt.ID, err)
			continue
		}
		report.submitted++
	}

	chainIDs := make(map[string]string, len(plan.Chains))
	for _, pc := range plan.Chains {
		steps := make([]models.ChainTask, len(pc.Steps))
		for i, s := range pc.Steps {
			steps[i] = models.ChainTask{
				AgentID:     s.Agent,
				Description: s.Description,
				Command:     s.Command,
			}
		}
		id, err := orch.ChainTasks(steps, pipeline.ChainOptions{
			ContinueOnError: pc.ContinueOnError,
			StepTimeout:     pc.StepTimeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "chain %s: %v\n", pc.Name, err)
			continue
		}
		chainIDs[pc.Name] = id
	}

	for _, pp := range plan.Parallel {
		tasks := make([]pipeline.ParallelTask, len(pp.Tasks))
		for i, s := range pp.Tasks {
			tasks[i] = pipeline.ParallelTask{
				TaskID:      s.ID,
				AgentID:     s.Agent,
				Description: s.Description,
				Command:     s.Command,
			}
		}
		result, err := orch.ParallelExecute(tasks, pipeline.ParallelOptions{Timeout: pp.Timeout})
		if err != nil {
			fmt.Fprintf(os.Stderr, "parallel %s: %v\n", pp.Name, err)
			continue
		}
		report.parallel = append(report.parallel, parallelOutcome{name: pp.Name, result: result})
	}

	// Independent tasks settle when every submission is terminal.
	for {
		st := orch.Status()
		if st.Completed+st.Failed >= report.submitted && st.Active == 0 && st.Queued == 0 && st.Pending == 0 {
			break
		}
		if st.Active == 0 && st.Queued == 0 && st.Pending > 0 &&
			st.Completed+st.Failed+st.Pending >= report.submitted {
			// Tasks parked behind a failed dependency never run.
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for name, id := range chainIDs {
		for {
			chain, ok := orch.Chain(id)
			if !ok || chain.Status.Terminal() {
				report.chains = append(report.chains, chainOutcome{name: name, chain: chain})
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	st := orch.Status()
	report.completed = st.Completed
	report.failed = st.Failed + st.Pending + submitErrs
	return report
}

// printReport renders the aggregate outcome with per-task detail.
func printReport(report *planReport, orch *orchestrator.Orchestrator) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	results := orch.Results()
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println()
	for _, id := range ids {
		r := results[id]
		if r.Status == models.TaskStatusCompleted {
			fmt.Printf("%s %s (%s, %s)\n", green("✓"), id, r.AgentID, r.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("%s %s: %s\n", red("✗"), id, r.Error)
		}
	}

	for _, c := range report.chains {
		if c.chain == nil {
			continue
		}
		mark := green("✓")
		switch c.chain.Status {
		case models.ChainStatusFailed, models.ChainStatusCancelled:
			mark = red("✗")
		case models.ChainStatusPartial:
			mark = yellow("~")
		}
		fmt.Printf("%s chain %s: %s\n", mark, c.name, c.chain.Status)
	}

	for _, p := range report.parallel {
		completed := 0
		for _, o := range p.result.Results {
			if o.Status == models.TaskStatusCompleted {
				completed++
			}
		}
		mark := green("✓")
		if completed < len(p.result.Results) {
			mark = yellow("~")
		}
		fmt.Printf("%s parallel %s: %d/%d in %s\n",
			mark, p.name, completed, len(p.result.Results), p.result.Duration.Round(time.Millisecond))
	}

	st := orch.Status()
	m := st.Metrics
	fmt.Printf("\n%d completed, %d failed · sent %d · delivered %d · dropped %d · evicted %d\n",
		report.completed, report.failed, m.Sent, m.Delivered, m.Dropped, m.Evicted)
	if st.EMACompletionTime > 0 {
		fmt.Printf("avg completion %s · peak queue depth %d\n",
			st.EMACompletionTime.Round(time.Millisecond), m.PeakQueueDepth)
	}
}
