package automation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/interfaces"
	"github.com/ternarybob/scanagent/internal/models"
	"github.com/ternarybob/scanagent/internal/services/events"
	"github.com/ternarybob/scanagent/internal/services/status"
	"github.com/ternarybob/scanagent/internal/services/workqueue"
)

const testAgentID = "agent_test"

type logEntry struct {
	JobID   string
	Action  string
	Message string
}

// fakeQueue is an in-memory work queue with conditional claims and
// de-duplicated completions
type fakeQueue struct {
	mu          sync.Mutex
	owners      map[string]string
	attempts    map[string]int
	statuses    map[string][]models.JobStatus
	messages    map[string][]string
	logs        []logEntry
	calls       []string
	completions map[string]int
	summaries   map[string]models.ResultSummary
	uploads     []models.Artifact

	source       []byte
	fetch        func(ctx context.Context, job models.Job) ([]byte, error)
	completeErrs []error
	uploadErr    error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		owners:      make(map[string]string),
		attempts:    make(map[string]int),
		statuses:    make(map[string][]models.JobStatus),
		messages:    make(map[string][]string),
		completions: make(map[string]int),
		summaries:   make(map[string]models.ResultSummary),
		source:      []byte("essay body"),
	}
}

func (q *fakeQueue) record(call string) {
	q.calls = append(q.calls, call)
}

func (q *fakeQueue) Configured() bool { return true }

func (q *fakeQueue) ListClaimable(ctx context.Context) ([]models.Job, error) {
	return nil, nil
}

func (q *fakeQueue) Claim(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("claim " + jobID)
	if owner, ok := q.owners[jobID]; ok && owner != testAgentID {
		return fmt.Errorf("%w: job %s held by %s", workqueue.ErrAlreadyClaimed, jobID, owner)
	}
	q.owners[jobID] = testAgentID
	return nil
}

func (q *fakeQueue) IncrementAttempt(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("attempt " + jobID)
	q.attempts[jobID]++
	return nil
}

func (q *fakeQueue) SetStatus(ctx context.Context, jobID string, st models.JobStatus, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("status " + jobID + " " + string(st))
	q.statuses[jobID] = append(q.statuses[jobID], st)
	q.messages[jobID] = append(q.messages[jobID], message)
	return nil
}

func (q *fakeQueue) AppendLog(ctx context.Context, jobID, action, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("log " + jobID + " " + action)
	q.logs = append(q.logs, logEntry{JobID: jobID, Action: action, Message: message})
	return nil
}

func (q *fakeQueue) FetchSource(ctx context.Context, job models.Job) ([]byte, error) {
	q.mu.Lock()
	q.record("fetch " + job.ID)
	fetch := q.fetch
	source := q.source
	q.mu.Unlock()
	if fetch != nil {
		return fetch(ctx, job)
	}
	return source, nil
}

func (q *fakeQueue) UploadReport(ctx context.Context, jobID string, artifact models.Artifact) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("upload " + jobID + " " + string(artifact.Kind))
	if q.uploadErr != nil {
		return "", q.uploadErr
	}
	q.uploads = append(q.uploads, artifact)
	return fmt.Sprintf("reports/%s/%s", jobID, artifact.Kind), nil
}

func (q *fakeQueue) CompleteJob(ctx context.Context, jobID string, summary models.ResultSummary) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record("complete " + jobID)
	if len(q.completeErrs) > 0 {
		err := q.completeErrs[0]
		q.completeErrs = q.completeErrs[1:]
		if err != nil {
			return err
		}
	}
	q.completions[jobID]++
	q.summaries[jobID] = summary
	return nil
}

func (q *fakeQueue) statusCount(jobID string, st models.JobStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.statuses[jobID] {
		if s == st {
			n++
		}
	}
	return n
}

func (q *fakeQueue) logActions(jobID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var actions []string
	for _, l := range q.logs {
		if l.JobID == jobID {
			actions = append(actions, l.Action)
		}
	}
	return actions
}

func (q *fakeQueue) callLog() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.calls...)
}

// fakeDriver simulates the host site: login, launch prompt, folder listing
// and a result row that becomes ready after a number of polls
type fakeDriver struct {
	mu sync.Mutex

	page          models.PageKind
	landing       models.PageKind
	stuck         bool
	loginSticks   bool
	alreadyThere  bool
	readyAfter    int
	neverReady    bool
	scores        models.Scores
	viewerErr     error
	downloadErrs  map[models.ArtifactKind]error
	injectErr     error
	attachErr     error
	onAttach      func()
	injected      []models.CookieEntry
	attached      string
	folder        string
	rowPolls      int
	refreshes     int
	logins        int
	downloads     []models.ArtifactKind
	closed        int
	navigations   int
	detectedKinds []models.PageKind
}

func newFakeDriver() *fakeDriver {
	similarity, ai := 12.0, 4.0
	return &fakeDriver{
		landing:      models.PageKindLogin,
		readyAfter:   3,
		scores:       models.Scores{Similarity: &similarity, AI: &ai},
		downloadErrs: make(map[models.ArtifactKind]error),
	}
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigations++
	d.page = d.landing
	return ctx.Err()
}

func (d *fakeDriver) InjectCookies(ctx context.Context, hostURL string, cookies []models.CookieEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.injectErr != nil {
		return d.injectErr
	}
	d.injected = append(d.injected, cookies...)
	return nil
}

func (d *fakeDriver) DetectPageKind(ctx context.Context) (models.PageKind, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stuck {
		return models.PageKindUnknown, nil
	}
	d.detectedKinds = append(d.detectedKinds, d.page)
	return d.page, nil
}

func (d *fakeDriver) SubmitLogin(ctx context.Context, creds models.PasswordCredentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logins++
	if !d.loginSticks {
		d.page = models.PageKindLaunchPrompt
	}
	return nil
}

func (d *fakeDriver) ClickLaunch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.page = models.PageKindFolderListing
	return nil
}

func (d *fakeDriver) NavigateToFolder(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.folder = name
	return nil
}

func (d *fakeDriver) IsAlreadyUploaded(ctx context.Context, displayName string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alreadyThere, nil
}

func (d *fakeDriver) AttachAndSubmit(ctx context.Context, filePath, title string) error {
	d.mu.Lock()
	onAttach := d.onAttach
	d.mu.Unlock()
	if onAttach != nil {
		onAttach()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachErr != nil {
		return d.attachErr
	}
	d.attached = filePath
	return nil
}

func (d *fakeDriver) FindResultRow(ctx context.Context, displayName string) (models.ResultRow, error) {
	if err := ctx.Err(); err != nil {
		return models.ResultRow{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rowPolls++
	if d.neverReady {
		return models.ResultRow{Found: true, InProgress: true, Text: displayName + " processing"}, nil
	}
	if d.rowPolls < d.readyAfter {
		return models.ResultRow{}, nil
	}
	return models.ResultRow{Found: true, Text: displayName, Scores: d.scores}, nil
}

func (d *fakeDriver) Refresh(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes++
	return nil
}

func (d *fakeDriver) OpenResultViewer(ctx context.Context, displayName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewerErr
}

func (d *fakeDriver) DownloadArtifact(ctx context.Context, kind models.ArtifactKind) (models.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.downloadErrs[kind]; err != nil {
		return models.Artifact{}, err
	}
	d.downloads = append(d.downloads, kind)
	return models.Artifact{
		Kind:        kind,
		FileName:    string(kind) + ".html",
		ContentType: "text/html",
		Data:        []byte("<html>" + string(kind) + "</html>"),
	}, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

type fakeFactory struct {
	driver *fakeDriver
	opened atomic.Int32
	err    error
}

func (f *fakeFactory) NewDriver(ctx context.Context) (interfaces.PageDriver, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened.Add(1)
	return f.driver, nil
}

// fakeCreds is a fixed credential store whose generation can be bumped
type fakeCreds struct {
	mu         sync.Mutex
	settings   *models.AgentSettings
	active     *models.CredentialSet
	generation atomic.Uint64
}

func passwordCreds() *fakeCreds {
	c := &fakeCreds{
		settings: &models.AgentSettings{
			Mode:         models.AuthModePassword,
			Username:     "tutor@example.com",
			Password:     "secret",
			TargetFolder: "Essays",
			HostURL:      "https://host.example.com",
			AutoLaunch:   true,
		},
		active: &models.CredentialSet{
			Mode:     models.AuthModePassword,
			Password: &models.PasswordCredentials{Username: "tutor@example.com", Secret: "secret"},
		},
	}
	c.generation.Store(1)
	return c
}

func cookieCreds() *fakeCreds {
	c := passwordCreds()
	c.settings.Mode = models.AuthModeCookies
	c.settings.Cookies = "sid=abc"
	c.active = &models.CredentialSet{
		Mode: models.AuthModeCookies,
		Cookies: []models.CookieEntry{
			{Name: "sid", Value: "abc", Domain: "host.example.com", Path: "/"},
		},
	}
	return c
}

func (c *fakeCreds) GetActive() *models.CredentialSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	copied := *c.active
	return &copied
}

func (c *fakeCreds) Settings() *models.AgentSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings == nil {
		return nil
	}
	copied := *c.settings
	return &copied
}

func (c *fakeCreds) Generation() uint64 {
	return c.generation.Load()
}

func (c *fakeCreds) Snapshot() models.CredentialSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := models.CredentialSnapshot{Generation: c.generation.Load()}
	if c.settings != nil {
		settings := *c.settings
		snap.Settings = &settings
	}
	if c.active != nil {
		active := *c.active
		snap.Active = &active
	}
	return snap
}

func (c *fakeCreds) Update(ctx context.Context, settings models.AgentSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = &settings
	c.generation.Add(1)
	return nil
}

type memStatusStorage struct {
	mu    sync.Mutex
	saved *models.AgentStatus
}

func (m *memStatusStorage) SaveStatus(ctx context.Context, st *models.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *st
	m.saved = &copied
	return nil
}

func (m *memStatusStorage) LoadStatus(ctx context.Context) (*models.AgentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, nil
}

// memLedger mirrors the badger report storage semantics
type memLedger struct {
	mu      sync.Mutex
	records map[string]models.ReportRecord
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]models.ReportRecord)}
}

func (l *memLedger) SaveRecord(ctx context.Context, record *models.ReportRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.JobID] = *record
	return nil
}

func (l *memLedger) GetRecord(ctx context.Context, jobID string) (*models.ReportRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[jobID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (l *memLedger) ListPending(ctx context.Context) ([]*models.ReportRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []*models.ReportRecord
	for _, record := range l.records {
		if record.State == models.ReportStatePending {
			r := record
			pending = append(pending, &r)
		}
	}
	return pending, nil
}

func (l *memLedger) MarkCompleted(ctx context.Context, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[jobID]
	if !ok {
		return false, fmt.Errorf("no completion record for job %s", jobID)
	}
	if record.State == models.ReportStateCompleted {
		return false, nil
	}
	record.State = models.ReportStateCompleted
	l.records[jobID] = record
	return true, nil
}

func (l *memLedger) MarkFailed(ctx context.Context, jobID, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[jobID]
	if !ok || record.State != models.ReportStatePending {
		return false, nil
	}
	record.State = models.ReportStateFailed
	record.LastError = reason
	l.records[jobID] = record
	return true, nil
}

func testTimings() Timings {
	return Timings{
		Download:           time.Second,
		Auth:               time.Second,
		NavigationStep:     200 * time.Millisecond,
		Navigation:         2 * time.Second,
		NavigationPoll:     2 * time.Millisecond,
		Upload:             time.Second,
		Result:             2 * time.Second,
		ResultPoll:         2 * time.Millisecond,
		RefreshEveryPolls:  2,
		Artifact:           time.Second,
		ErrorMessageLimit:  500,
		MaxLoginAttempts:   2,
		InformationalLimit: time.Second,
	}
}

type harness struct {
	queue    *fakeQueue
	driver   *fakeDriver
	factory  *fakeFactory
	creds    *fakeCreds
	status   *status.Service
	ledger   *memLedger
	reporter *Reporter
	machine  *Machine
}

func newHarness(t *testing.T, creds *fakeCreds, timings Timings) *harness {
	t.Helper()

	logger := arbor.NewLogger()
	h := &harness{
		queue:  newFakeQueue(),
		driver: newFakeDriver(),
		creds:  creds,
		ledger: newMemLedger(),
	}
	h.factory = &fakeFactory{driver: h.driver}
	bus := events.NewService(logger)
	t.Cleanup(func() { _ = bus.Close() })
	h.status = status.NewService(&memStatusStorage{}, bus, logger, timings.ErrorMessageLimit)
	h.reporter = NewReporter(h.queue, h.ledger, workqueue.NewRetryPolicy(3, time.Millisecond, 5*time.Millisecond), logger)
	h.machine = NewMachine(h.queue, h.creds, h.factory, h.status, bus, h.reporter, timings, t.TempDir(), logger)
	return h
}

func essayJob() models.Job {
	return models.Job{
		ID:          "j1",
		SourcePath:  "uploads/2024/essay.docx",
		DisplayName: "essay.docx",
		ScanKind:    models.ScanKindFullScan,
		Status:      models.JobStatusPending,
	}
}

// runJob starts and runs the job to a terminal phase
func (h *harness) runJob(t *testing.T, ctx context.Context, job models.Job) models.Phase {
	t.Helper()
	if err := h.machine.Start(ctx, job); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h.machine.Run(ctx)
}
