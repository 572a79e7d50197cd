// Package file provides file-based persistence for workflows and execution snapshots.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root          string
	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:          cleanRoot,
		workflowRepo:  NewWorkflowRepository(cleanRoot),
		executionRepo: NewExecutionRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	return fp.workflowRepo.GetAll(ctx)
}

func (fp *Persistence) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return fp.workflowRepo.Save(ctx, workflow)
}

func (fp *Persistence) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	return fp.workflowRepo.GetByID(ctx, id)
}

func (fp *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	return fp.workflowRepo.Delete(ctx, id)
}

func (fp *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	return fp.executionRepo.Save(ctx, execution)
}

func (fp *Persistence) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return fp.executionRepo.GetByID(ctx, id)
}

func (fp *Persistence) Executions(ctx context.Context, query persistence.ExecutionQuery) ([]*models.WorkflowExecution, error) {
	return fp.executionRepo.Find(ctx, query)
}

func (fp *Persistence) DeleteExecution(ctx context.Context, id string) error {
	return fp.executionRepo.Delete(ctx, id)
}

// validateID rejects identifiers that would escape the storage directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", persistence.ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q contains invalid characters", persistence.ErrInvalidID, id)
	}

	return nil
}

// jsonDir stores one JSON document per id in a directory.
type jsonDir struct {
	dir string
}

func (d jsonDir) path(id string) string {
	return filepath.Join(d.dir, id+".json")
}

// read returns os.ErrNotExist when the document is missing.
func (d jsonDir) read(id string, v any) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(d.path(id)) // #nosec G304 -- id is validated above
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (d jsonDir) write(id string, v any) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	err = os.MkdirAll(d.dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	// Write then rename so readers never see a partial document.
	tmp := d.path(id) + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return err
	}

	return os.Rename(tmp, d.path(id))
}

func (d jsonDir) remove(id string) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	err = os.Remove(d.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// ids lists stored document ids, sorted by name.
func (d jsonDir) ids() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read directory %s: %w", d.dir, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}

	return ids, nil
}
