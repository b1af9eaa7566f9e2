package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

// Runner credential artifacts expected inside each target's runner dir
const (
	runnerFileName    = ".runner"
	credsFileName     = ".credentials"
	rsaParamsFileName = ".credentials_rsaparams"
)

// Service loads registered targets from the YAML registry and their
// runner credential artifacts from disk
type Service struct {
	config   *common.TargetsConfig
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewService creates a registry service
func NewService(config *common.TargetsConfig, logger arbor.ILogger) *Service {
	return &Service{
		config:   config,
		validate: validator.New(),
		logger:   logger,
	}
}

// LoadTargets reads the registry file and assembles a target for each
// entry. Entries whose artifacts are missing or invalid are skipped with
// a warning so one broken target does not block the rest.
func (s *Service) LoadTargets() ([]*models.Target, error) {
	data, err := os.ReadFile(s.config.Registry)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn().
				Str("registry", s.config.Registry).
				Msg("Target registry not found, starting with no targets")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read target registry: %w", err)
	}

	var registry models.RegistryFile
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("failed to parse target registry: %w", err)
	}

	var targets []*models.Target
	for _, entry := range registry.Targets {
		if err := s.validate.Struct(entry); err != nil {
			s.logger.Warn().
				Err(err).
				Str("target_id", entry.ID).
				Msg("Skipping invalid registry entry")
			continue
		}

		target, err := s.LoadTarget(entry)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("target_id", entry.ID).
				Msg("Skipping target with unreadable runner artifacts")
			continue
		}
		targets = append(targets, target)
	}

	s.logger.Info().
		Int("registered", len(registry.Targets)).
		Int("loaded", len(targets)).
		Msg("Target registry loaded")

	return targets, nil
}

// LoadTarget assembles a single target from a registry entry
func (s *Service) LoadTarget(entry models.RegistryEntry) (*models.Target, error) {
	runnerDir := entry.RunnerDir
	if !filepath.IsAbs(runnerDir) {
		runnerDir = filepath.Join(s.config.RunnerDir, runnerDir)
	}

	var runner models.RunnerFile
	if err := readJSONFile(filepath.Join(runnerDir, runnerFileName), &runner); err != nil {
		return nil, err
	}

	var creds models.CredentialsFile
	if err := readJSONFile(filepath.Join(runnerDir, credsFileName), &creds); err != nil {
		return nil, err
	}

	var rsaParams models.RSAParameters
	if err := readJSONFile(filepath.Join(runnerDir, rsaParamsFileName), &rsaParams); err != nil {
		return nil, err
	}

	target := &models.Target{
		ID:          entry.ID,
		DisplayName: entry.Name,
		Enabled:     entry.Enabled,
		RunnerDir:   runnerDir,
		Runner:      &runner,
		Credentials: &creds.Data,
		RSAParams:   &rsaParams,
	}

	if err := s.validate.Struct(target); err != nil {
		return nil, fmt.Errorf("target %s failed validation: %w", entry.ID, err)
	}

	return target, nil
}

func readJSONFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
