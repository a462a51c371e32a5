package common

import (
	"context"

	"github.com/dfryer1193/flowbeacon/internal/data/migrations"
	"github.com/dfryer1193/flowbeacon/internal/data/schema"
)

func init() {
	migrations.Register(AddWorkflowVersionIdToExecutionData{})
}

// AddWorkflowVersionIdToExecutionData records which workflow version an
// execution ran against.
type AddWorkflowVersionIdToExecutionData struct{}

func (AddWorkflowVersionIdToExecutionData) Name() string {
	return "AddWorkflowVersionIdToExecutionData1764072875856"
}

func (AddWorkflowVersionIdToExecutionData) Timestamp() int64 {
	return 1764072875856
}

func (AddWorkflowVersionIdToExecutionData) Up(ctx context.Context, mc *migrations.Context) error {
	return mc.Schema.AddColumns(ctx, "execution_data", schema.NewColumn("workflowVersionId").Varchar())
}

func (AddWorkflowVersionIdToExecutionData) Down(ctx context.Context, mc *migrations.Context) error {
	return mc.Schema.DropColumns(ctx, "execution_data", "workflowVersionId")
}
