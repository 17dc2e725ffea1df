package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/3leaps/batchwatch/internal/config"
	apperrors "github.com/3leaps/batchwatch/internal/errors"
	"github.com/3leaps/batchwatch/internal/server/handlers"
	"github.com/3leaps/batchwatch/pkg/jobregistry"
	"github.com/3leaps/batchwatch/pkg/watcher"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs on a running batchwatch service",
	Long: `Submit, list, inspect and cancel jobs on a running 'batchwatch serve'.

The service address defaults to server.host and server.port from the
configuration; override it with --server.

'jobs list --local' reads the persisted job snapshots from poll.state_dir
directly and works without a running service.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active jobs",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job_id>",
	Short: "Show one active job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job for polling",
	RunE:  runJobsSubmit,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Stop polling a job (no event is published)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var (
	jobsServer  string
	jobsJSON    bool
	jobsLocal   bool
	jobsKind    string
	jobsTimeout time.Duration

	jobsSubmitID            string
	jobsSubmitKind          string
	jobsSubmitToken         string
	jobsSubmitTokenEnv      string
	jobsSubmitPath          string
	jobsSubmitCorrelationID string
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsSubmitCmd, jobsCancelCmd)

	jobsCmd.PersistentFlags().StringVar(&jobsServer, "server", "", "Service base URL (default from server.host/server.port)")
	jobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
	jobsCmd.PersistentFlags().DurationVar(&jobsTimeout, "request-timeout", 10*time.Second, "HTTP request timeout")

	jobsListCmd.Flags().BoolVar(&jobsLocal, "local", false, "Read persisted snapshots from the state dir instead of the service")
	jobsListCmd.Flags().StringVar(&jobsKind, "kind", "", "Only list jobs of this kind")

	jobsSubmitCmd.Flags().StringVar(&jobsSubmitID, "job-id", "", "Async job id (required)")
	jobsSubmitCmd.Flags().StringVar(&jobsSubmitKind, "kind", "", "Operation kind: copy, move or delete (required)")
	jobsSubmitCmd.Flags().StringVar(&jobsSubmitToken, "token", "", "Access token (prefer --token-env)")
	jobsSubmitCmd.Flags().StringVar(&jobsSubmitTokenEnv, "token-env", "DROPBOX_TOKEN", "Environment variable holding the access token")
	jobsSubmitCmd.Flags().StringVar(&jobsSubmitPath, "path", "", "Path the batch was issued for")
	jobsSubmitCmd.Flags().StringVar(&jobsSubmitCorrelationID, "correlation-id", "", "Correlation id echoed in events")
	_ = jobsSubmitCmd.MarkFlagRequired("job-id")
	_ = jobsSubmitCmd.MarkFlagRequired("kind")
}

// apiClient talks to the jobs API of a running service.
type apiClient struct {
	http    *resty.Client
	baseURL string
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetError(&apperrors.HTTPErrorResponse{}),
	}
}

// apiError is a non-2xx response from the service.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("service returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

func checkResponse(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	e := &apiError{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*apperrors.HTTPErrorResponse); ok && body != nil {
		e.Code = body.Error.Code
		e.Message = body.Error.Message
	}
	return e
}

func (c *apiClient) list(ctx context.Context, kind string) (*handlers.ListJobsResponse, error) {
	var out handlers.ListJobsResponse
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if kind != "" {
		req.SetQueryParam("kind", kind)
	}
	resp, err := req.Get(c.baseURL + "/v1/jobs")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) get(ctx context.Context, jobID string) (*watcher.JobInfo, error) {
	var out watcher.JobInfo
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).
		SetPathParam("jobID", jobID).
		Get(c.baseURL + "/v1/jobs/{jobID}")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) submit(ctx context.Context, req handlers.SubmitJobRequest) (*handlers.SubmitJobResponse, error) {
	var out handlers.SubmitJobResponse
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post(c.baseURL + "/v1/jobs")
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) cancel(ctx context.Context, jobID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("jobID", jobID).
		Delete(c.baseURL + "/v1/jobs/{jobID}")
	if err != nil {
		return err
	}
	return checkResponse(resp)
}

func jobsClient(ctx context.Context) (*apiClient, error) {
	if jobsServer != "" {
		return newAPIClient(jobsServer, jobsTimeout), nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return newAPIClient("http://"+net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), jobsTimeout), nil
}

// apiExitError maps client errors to exit codes.
func apiExitError(message string, err error) error {
	if e, ok := err.(*apiError); ok {
		switch {
		case e.Status == http.StatusNotFound:
			return exitError(foundry.ExitFileNotFound, message, err)
		case e.Status < http.StatusInternalServerError:
			return exitError(foundry.ExitInvalidArgument, message, err)
		}
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	if jobsLocal {
		return runJobsListLocal(cmd)
	}

	client, err := jobsClient(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	list, err := client.list(cmd.Context(), jobsKind)
	if err != nil {
		return apiExitError("Failed to list jobs", err)
	}

	if jobsJSON {
		return writeJSON(os.Stdout, list)
	}
	if list.Count == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No active jobs")
		return nil
	}
	printJobTable(os.Stdout, list.Jobs)
	return nil
}

func runJobsListLocal(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if cfg.Poll.StateDir == "" {
		return exitError(foundry.ExitInvalidArgument, "No state dir", fmt.Errorf("poll.state_dir is empty; persistence is disabled"))
	}

	records, err := jobregistry.NewStore(cfg.Poll.StateDir).List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job snapshots", err)
	}

	jobs := make([]watcher.JobInfo, 0, len(records))
	for _, r := range records {
		if jobsKind != "" && r.Kind.String() != strings.ToLower(jobsKind) {
			continue
		}
		jobs = append(jobs, watcher.JobInfo{
			JobID:         r.JobID,
			Kind:          r.Kind,
			Path:          r.Path,
			CorrelationID: r.CorrelationID,
			AdmittedAt:    r.CreatedAt,
			LastPolledAt:  r.LastPolledAt,
			Polls:         r.Polls,
		})
	}

	if jobsJSON {
		return writeJSON(os.Stdout, handlers.ListJobsResponse{Jobs: jobs, Count: len(jobs)})
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	printJobTable(os.Stdout, jobs)
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	client, err := jobsClient(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	job, err := client.get(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		return apiExitError("Failed to get job", err)
	}

	if jobsJSON {
		return writeJSON(os.Stdout, job)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "operation_kind=%s\n", job.Kind)
	if job.Path != "" {
		_, _ = fmt.Fprintf(os.Stdout, "path=%s\n", job.Path)
	}
	_, _ = fmt.Fprintf(os.Stdout, "correlation_id=%s\n", job.CorrelationID)
	_, _ = fmt.Fprintf(os.Stdout, "admitted_at=%s\n", job.AdmittedAt.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(os.Stdout, "last_polled_at=%s\n", formatOptionalTime(job.LastPolledAt))
	_, _ = fmt.Fprintf(os.Stdout, "polls=%d\n", job.Polls)
	return nil
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	token := jobsSubmitToken
	if token == "" {
		token = os.Getenv(jobsSubmitTokenEnv)
	}
	if token == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing credential", fmt.Errorf("set --token or %s", jobsSubmitTokenEnv))
	}

	client, err := jobsClient(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	resp, err := client.submit(cmd.Context(), handlers.SubmitJobRequest{
		OperationID:   jobsSubmitID,
		OperationKind: strings.ToLower(jobsSubmitKind),
		Credential:    token,
		Path:          jobsSubmitPath,
		CorrelationID: jobsSubmitCorrelationID,
	})
	if err != nil {
		return apiExitError("Failed to submit job", err)
	}

	if jobsJSON {
		return writeJSON(os.Stdout, resp)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Watching %s (%s), correlation_id=%s\n", resp.JobID, resp.OperationKind, resp.CorrelationID)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])
	client, err := jobsClient(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := client.cancel(cmd.Context(), jobID); err != nil {
		return apiExitError("Failed to cancel job", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Cancelled %s\n", jobID)
	return nil
}

func printJobTable(out io.Writer, jobs []watcher.JobInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tKIND\tPOLLS\tADMITTED\tLAST POLL\tCORRELATION\tPATH")
	for _, j := range jobs {
		path := j.Path
		if path == "" {
			path = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			j.JobID,
			j.Kind,
			j.Polls,
			j.AdmittedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.LastPolledAt),
			j.CorrelationID,
			path,
		)
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
