package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/models"
)

type mockSettingsStorage struct {
	mock.Mock
}

func (m *mockSettingsStorage) SaveSettings(ctx context.Context, settings *models.AgentSettings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}

func (m *mockSettingsStorage) LoadSettings(ctx context.Context) (*models.AgentSettings, error) {
	args := m.Called(ctx)
	settings, _ := args.Get(0).(*models.AgentSettings)
	return settings, args.Error(1)
}

func passwordSettings() models.AgentSettings {
	return models.AgentSettings{
		Mode:         models.AuthModePassword,
		Username:     "ops@example.com",
		Password:     "hunter2",
		TargetFolder: "Agent Uploads",
		HostURL:      "https://host.example.com/login",
	}
}

func TestService_GetActiveNilWhenUnconfigured(t *testing.T) {
	storage := new(mockSettingsStorage)
	storage.On("LoadSettings", mock.Anything).Return(nil, nil)

	svc := NewService(storage, arbor.NewLogger())
	require.NoError(t, svc.Load(context.Background(), ""))

	assert.Nil(t, svc.GetActive())
	assert.Nil(t, svc.Settings())
	assert.Equal(t, uint64(0), svc.Generation())
	storage.AssertExpectations(t)
}

func TestService_UpdatePassword(t *testing.T) {
	storage := new(mockSettingsStorage)
	storage.On("SaveSettings", mock.Anything, mock.Anything).Return(nil)

	svc := NewService(storage, arbor.NewLogger())
	require.NoError(t, svc.Update(context.Background(), passwordSettings()))

	active := svc.GetActive()
	require.NotNil(t, active)
	assert.Equal(t, models.AuthModePassword, active.Mode)
	require.NotNil(t, active.Password)
	assert.Equal(t, "ops@example.com", active.Password.Username)
	assert.Equal(t, "hunter2", active.Password.Secret)
	assert.Empty(t, active.Cookies)
	assert.Equal(t, uint64(1), svc.Generation())
}

func TestService_GenerationTracksCredentialChanges(t *testing.T) {
	storage := new(mockSettingsStorage)
	storage.On("SaveSettings", mock.Anything, mock.Anything).Return(nil)

	svc := NewService(storage, arbor.NewLogger())
	ctx := context.Background()

	settings := passwordSettings()
	require.NoError(t, svc.Update(ctx, settings))
	gen := svc.Generation()

	// Folder change does not touch credentials
	settings.TargetFolder = "Other Folder"
	require.NoError(t, svc.Update(ctx, settings))
	assert.Equal(t, gen, svc.Generation())

	// Switching modes invalidates in-flight sessions
	settings.Mode = models.AuthModeCookies
	settings.Cookies = "sid=abc"
	require.NoError(t, svc.Update(ctx, settings))
	assert.Greater(t, svc.Generation(), gen)

	active := svc.GetActive()
	require.NotNil(t, active)
	assert.Equal(t, models.AuthModeCookies, active.Mode)
	assert.Nil(t, active.Password)
	require.Len(t, active.Cookies, 1)
	assert.Equal(t, "host.example.com", active.Cookies[0].Domain)
}

func TestService_UpdateRejectsInvalidCookies(t *testing.T) {
	storage := new(mockSettingsStorage)

	svc := NewService(storage, arbor.NewLogger())
	settings := passwordSettings()
	settings.Mode = models.AuthModeCookies
	settings.Cookies = "no cookies in here"

	err := svc.Update(context.Background(), settings)
	require.Error(t, err)
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)

	storage.AssertNotCalled(t, "SaveSettings", mock.Anything, mock.Anything)
	assert.Nil(t, svc.GetActive())
}

func TestService_LoadKeepsInvalidPersistedSettingsInactive(t *testing.T) {
	broken := passwordSettings()
	broken.Password = ""

	storage := new(mockSettingsStorage)
	storage.On("LoadSettings", mock.Anything).Return(&broken, nil)

	svc := NewService(storage, arbor.NewLogger())
	require.NoError(t, svc.Load(context.Background(), ""))

	assert.Nil(t, svc.GetActive())
	require.NotNil(t, svc.Settings())
	assert.Equal(t, "ops@example.com", svc.Settings().Username)
}

func TestService_LoadImportsBootstrapFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cookies.txt"), []byte(netscapeJar), 0600))
	settingsPath := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(settingsPath, []byte(`
mode: cookies
cookies_file: cookies.txt
target_folder: Agent Uploads
host_url: https://host.example.com/app
auto_launch: true
`), 0600))

	storage := new(mockSettingsStorage)
	storage.On("LoadSettings", mock.Anything).Return(nil, nil)
	storage.On("SaveSettings", mock.Anything, mock.MatchedBy(func(s *models.AgentSettings) bool {
		return s.Mode == models.AuthModeCookies && s.AutoLaunch
	})).Return(nil)

	svc := NewService(storage, arbor.NewLogger())
	require.NoError(t, svc.Load(context.Background(), settingsPath))

	active := svc.GetActive()
	require.NotNil(t, active)
	assert.Len(t, active.Cookies, 3)
	assert.Equal(t, 1, svc.ExpiredCount())
	storage.AssertExpectations(t)
}

func TestLoadSettingsFile_Formats(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"agent.toml": `
mode = "password"
username = "ops@example.com"
password = "hunter2"
target_folder = "Agent Uploads"
host_url = "https://host.example.com"
require_secondary_report = true
`,
		"agent.json": `{"mode": "password", "username": "ops@example.com", "password": "hunter2",
"target_folder": "Agent Uploads", "host_url": "https://host.example.com", "require_secondary_report": true}`,
		"agent.yml": `
mode: password
username: ops@example.com
password: hunter2
target_folder: Agent Uploads
host_url: https://host.example.com
require_secondary_report: true
`,
	}

	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))

			settings, err := LoadSettingsFile(path)
			require.NoError(t, err)
			assert.Equal(t, models.AuthModePassword, settings.Mode)
			assert.Equal(t, "ops@example.com", settings.Username)
			assert.Equal(t, "Agent Uploads", settings.TargetFolder)
			assert.True(t, settings.RequireSecondaryReport)
			assert.NoError(t, settings.Validate())
		})
	}

	_, err := LoadSettingsFile(filepath.Join(dir, "agent.ini"))
	assert.Error(t, err)
}

func TestService_SnapshotIsConsistent(t *testing.T) {
	storage := new(mockSettingsStorage)
	storage.On("SaveSettings", mock.Anything, mock.Anything).Return(nil)

	svc := NewService(storage, arbor.NewLogger())
	ctx := context.Background()

	snap := svc.Snapshot()
	assert.False(t, snap.Usable())

	password := passwordSettings()
	cookies := passwordSettings()
	cookies.Mode = models.AuthModeCookies
	cookies.Cookies = "sid=abc"
	require.NoError(t, svc.Update(ctx, password))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			next := password
			if i%2 == 0 {
				next = cookies
			}
			assert.NoError(t, svc.Update(ctx, next))
		}
	}()

	for {
		select {
		case <-done:
			snap := svc.Snapshot()
			require.True(t, snap.Usable())
			assert.Equal(t, snap.Settings.Mode, snap.Active.Mode)
			assert.Equal(t, svc.Generation(), snap.Generation)
			return
		default:
			snap := svc.Snapshot()
			require.True(t, snap.Usable())
			require.Equal(t, snap.Settings.Mode, snap.Active.Mode, "settings and credentials from different updates")
		}
	}
}
