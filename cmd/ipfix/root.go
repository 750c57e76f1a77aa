package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	k8sevents "k8s.io/client-go/tools/events"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/ipfix/internal/backup"
	"github.com/ppiankov/ipfix/internal/config"
	"github.com/ppiankov/ipfix/internal/confirm"
	"github.com/ppiankov/ipfix/internal/correlator"
	"github.com/ppiankov/ipfix/internal/detector"
	"github.com/ppiankov/ipfix/internal/events"
	"github.com/ppiankov/ipfix/internal/kube"
	"github.com/ppiankov/ipfix/internal/metrics"
	"github.com/ppiankov/ipfix/internal/notify"
	"github.com/ppiankov/ipfix/internal/registry"
	"github.com/ppiankov/ipfix/internal/remediate"
	"github.com/ppiankov/ipfix/internal/report"
	"github.com/ppiankov/ipfix/internal/run"
	"github.com/ppiankov/ipfix/internal/version"
)

const (
	// ReturnCodeSuccess is passed to os.Exit() when no error is reported.
	ReturnCodeSuccess = 0
	// ReturnCodeError is passed to os.Exit() on any error or a declined fix.
	ReturnCodeError = 1

	pushTimeout = 10 * time.Second
)

// cluster is everything the run needs from the API server.
type cluster struct {
	Client   client.Client
	Recorder k8sevents.EventRecorder
	Close    func()
}

// connectFunc opens a cluster connection for the parsed flags.
type connectFunc func(ctx context.Context, f *flags) (*cluster, error)

type flags struct {
	check           bool
	fix             bool
	debug           bool
	deleteEnabled   bool
	continueOnError bool
	assumeYes       bool
	noColor         bool
	kubeconfig      string
	kubeContext     string
	backupRoot      string
	cfg             config.Config
}

// Run executes the CLI and returns the process exit code.
func Run(ctx context.Context, in io.Reader, out, errOut io.Writer, args []string) int {
	cmd := newRootCmd(connectCluster)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(ctx); err != nil {
		return ReturnCodeError
	}
	return ReturnCodeSuccess
}

func newRootCmd(connect connectFunc) *cobra.Command {
	f := &flags{cfg: config.New()}

	cmd := &cobra.Command{
		Use:          "ipfix",
		Short:        "Detect and repair OLM install plans that failed on a staging bundle image",
		Version:      version.Version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, f, connect)
		},
	}

	fl := cmd.Flags()
	fl.BoolVarP(&f.check, "check", "c", false, "detect faulty install plans and print a report")
	fl.BoolVarP(&f.fix, "fix", "f", false, "detect, report, confirm and remediate faulty install plans")
	fl.BoolVarP(&f.debug, "debug", "d", false, "verbose logging")
	fl.BoolVar(&f.deleteEnabled, "delete", false, "delete the install plan, unpack job and configmap after backing them up")
	fl.BoolVar(&f.continueOnError, "continue-on-error", false, "keep processing remaining install plans after a failure")
	fl.BoolVarP(&f.assumeYes, "yes", "y", false, "do not ask for confirmation")
	fl.BoolVar(&f.noColor, "no-color", false, "disable coloured output")
	fl.StringVar(&f.kubeconfig, "kubeconfig", "", "path to the kubeconfig file (defaults to KUBECONFIG or ~/.kube/config)")
	fl.StringVar(&f.kubeContext, "context", "", "kubeconfig context to use")
	fl.StringVar(&f.backupRoot, "backup-root", "", "directory that receives the per-run directory (defaults to the OS temp dir)")
	fl.DurationVar(&f.cfg.CallTimeout, "timeout", config.DefaultCallTimeout, "timeout for each API call (0 disables)")
	fl.StringVar(&f.cfg.StagingRegistry, "staging-registry", config.DefaultStagingRegistry, "registry host that marks a bundle image as faulty")
	fl.StringVar(&f.cfg.ProductionRegistry, "production-registry", config.DefaultProductionRegistry, "registry host bundles should come from")
	fl.StringVar(&f.cfg.UnpackNamespace, "unpack-namespace", config.DefaultUnpackNamespace, "namespace of the bundle unpack jobs")
	fl.IntVar(&f.cfg.MaxNameWidth, "max-name-width", config.DefaultMaxNameWidth, "maximum width of the install plan column")
	fl.IntVar(&f.cfg.MaxImageWidth, "max-image-width", config.DefaultMaxImageWidth, "maximum width of the image column")
	fl.StringVar(&f.cfg.PushgatewayURL, "pushgateway", "", "Prometheus Pushgateway URL for run metrics (empty = disabled)")
	fl.StringVar(&f.cfg.NotifyURL, "notify-url", "", "webhook URL for remediation events (empty = disabled)")
	fl.BoolVar(&f.cfg.EmitEvents, "emit-events", true, "record Kubernetes events on the owning subscription")

	cmd.MarkFlagsMutuallyExclusive("check", "fix")
	cmd.MarkFlagsOneRequired("check", "fix")

	return cmd
}

func execute(cmd *cobra.Command, f *flags, connect connectFunc) (err error) {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	cfg := f.cfg
	cfg.DeleteEnabled = f.deleteEnabled
	cfg.AssumeYes = f.assumeYes
	if f.continueOnError {
		cfg.Policy = config.PolicyContinue
	}
	cfg.Color = !f.noColor && isTerminal(out)
	if !cfg.Color {
		pterm.DisableColor()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	rc, err := run.New(f.backupRoot, f.debug)
	if err != nil {
		return err
	}
	logFile, err := rc.OpenLog()
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	logger := newLogger(io.MultiWriter(errOut, logFile), f.debug)
	ctx := log.IntoContext(cmd.Context(), logger)
	logger.Info("run started", "id", rc.ID, "dir", rc.Dir, "version", version.Version, "fix", f.fix)

	defer func() {
		if err != nil && !errors.Is(err, remediate.ErrAborted) {
			_, _ = fmt.Fprintf(errOut, "Run failed. For manual recovery see\n%s\n", rc.RecoveryHint())
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.NewCounters(reg)
	if cfg.PushgatewayURL != "" {
		defer func() {
			pctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
			defer cancel()
			if perr := metrics.Push(pctx, cfg.PushgatewayURL, rc.ID, reg); perr != nil {
				logger.Error(perr, "pushing run metrics")
			}
		}()
	}

	cl, err := connect(ctx, f)
	if err != nil {
		return err
	}
	defer cl.Close()
	store := kube.NewBounded(cl.Client, cfg.CallTimeout)

	det := detector.NewDetector(store, registry.NewMatcher(cfg.StagingRegistry))
	faults, err := det.Detect(ctx)
	if err != nil {
		return err
	}
	m.RecordDetected(len(faults))
	for _, flt := range faults {
		if ref, rerr := registry.ProductionRef(flt.Image, cfg.ProductionRegistry); rerr == nil {
			logger.V(1).Info("faulty install plan", "installPlan", flt.String(), "image", flt.Image, "expected", ref)
		}
	}

	printReport(out, logFile, report.Render(faults, report.Options{
		MaxNameWidth:  cfg.MaxNameWidth,
		MaxPhaseWidth: cfg.MaxPhaseWidth,
		MaxImageWidth: cfg.MaxImageWidth,
		StagingHost:   cfg.StagingRegistry,
		Color:         cfg.Color,
	}))

	if !f.fix || len(faults) == 0 {
		return nil
	}

	var confirmer confirm.Confirmer = confirm.NewPrompter(cmd.InOrStdin(), out)
	if cfg.AssumeYes {
		confirmer = confirm.Always(true)
	}

	engine := remediate.NewEngine(
		correlator.NewCorrelator(store, cfg.UnpackNamespace),
		backup.NewManager(store, cl.Client.Scheme(), backup.DirSink{Dir: rc.BackupDir}, cfg.UnpackNamespace),
		store,
		confirmer,
		m,
		rc,
		cfg,
	)
	if cfg.EmitEvents && cl.Recorder != nil {
		engine.Emitter = events.NewEmitter(cl.Recorder)
	}
	if cfg.NotifyURL != "" {
		engine.Notifier = notify.NewNotifier(cfg.NotifyURL, rc.ID, nil)
	}

	outcomes, err := engine.Run(ctx, faults)
	printSummary(out, logFile, outcomes, rc)
	if errors.Is(err, remediate.ErrAborted) {
		_, _ = fmt.Fprintln(out, "Aborted, nothing changed.")
	}
	return err
}

func printReport(out, transcript io.Writer, lines []string) {
	for _, l := range lines {
		_, _ = fmt.Fprintln(out, l)
	}
	for _, l := range report.Plain(lines) {
		_, _ = fmt.Fprintln(transcript, l)
	}
}

func printSummary(out, transcript io.Writer, outcomes []remediate.Outcome, rc run.Context) {
	if len(outcomes) == 0 {
		return
	}
	counts := remediate.Count(outcomes)
	line := fmt.Sprintf("Backed up: %d, deleted: %d, failed: %d. Backups in %s",
		counts[remediate.StateBackedUp]+counts[remediate.StateDeleted],
		counts[remediate.StateDeleted],
		counts[remediate.StateFailed],
		rc.BackupDir,
	)
	_, _ = fmt.Fprintln(out, line)
	_, _ = fmt.Fprintln(transcript, line)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func connectCluster(_ context.Context, f *flags) (*cluster, error) {
	restCfg, err := kube.RESTConfig(f.kubeconfig, f.kubeContext, f.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	scheme := kube.NewScheme()
	c, err := kube.NewClient(restCfg, scheme)
	if err != nil {
		return nil, err
	}

	cl := &cluster{Client: c, Close: func() {}}
	if f.cfg.EmitEvents && f.fix {
		rec, err := events.NewRecorder(restCfg, scheme)
		if err != nil {
			return nil, err
		}
		cl.Recorder = rec
		cl.Close = rec.Shutdown
	}
	return cl, nil
}
