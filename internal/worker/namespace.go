package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Namespace the periodic workflows run in.
const Namespace = "default"

// EnsureNamespace registers the namespace, treating one that already exists
// as success.
func EnsureNamespace(ctx context.Context, cli workflowservice.WorkflowServiceClient, name string, retention time.Duration) error {
	_, err := cli.RegisterNamespace(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        name,
		WorkflowExecutionRetentionPeriod: durationpb.New(retention),
	})
	var alreadyErr *serviceerror.NamespaceAlreadyExists
	if errors.As(err, &alreadyErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error registering namespace %s: %w", name, err)
	}

	return nil
}

// EnsureDefaultNamespace makes sure the namespace this app uses exists.
func EnsureDefaultNamespace(ctx context.Context, cli workflowservice.WorkflowServiceClient) error {
	return EnsureNamespace(ctx, cli, Namespace, 72*time.Hour)
}
