package queue

import (
	"context"

	"github.com/sevigo/docbias-scanner/internal/discovery"
)

// ChangedFilesPublisher adapts Fabric to discovery.Publisher.
type ChangedFilesPublisher struct {
	fabric *Fabric
}

func NewChangedFilesPublisher(fabric *Fabric) *ChangedFilesPublisher {
	return &ChangedFilesPublisher{fabric: fabric}
}

func (p *ChangedFilesPublisher) PublishChangedFile(ctx context.Context, msg discovery.ChangedFileMessage) error {
	return p.fabric.Publish(ctx, ChangedFilesQueue, msg)
}

func (p *ChangedFilesPublisher) PublishChangedFilesBatch(ctx context.Context, msgs []discovery.ChangedFileMessage) error {
	vs := make([]any, len(msgs))
	for i, m := range msgs {
		vs[i] = m
	}
	return p.fabric.PublishBatch(ctx, ChangedFilesQueue, vs)
}
