package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"Cerberus-Core/internal/agent"
	"Cerberus-Core/internal/app"
	"Cerberus-Core/internal/record"
	"Cerberus-Core/internal/request"
	"Cerberus-Core/internal/review"
	"Cerberus-Core/sdk/go/cerberus"
)

// backend 是命令行的执行目标：进程内装配的组件，或远端 API。
type backend interface {
	Agents(ctx context.Context) ([]cerberus.Agent, error)
	Run(ctx context.Context, sub cerberus.Submission) (*cerberus.Request, error)
	Reviews(ctx context.Context, f cerberus.ReviewFilter) ([]cerberus.Review, error)
	Resolve(ctx context.Context, id string, res cerberus.Resolution) (*cerberus.Review, error)
	Close() error
}

type localBackend struct {
	app *app.App
}

func (b *localBackend) Agents(context.Context) ([]cerberus.Agent, error) {
	return agentsFromBundles(b.app.Agents.List()), nil
}

// Run 在进程内提交并执行请求。没有后台消费者，可重试的失败在这里直接重跑。
func (b *localBackend) Run(ctx context.Context, sub cerberus.Submission) (*cerberus.Request, error) {
	attachments := make([]request.Attachment, 0, len(sub.Attachments))
	for _, a := range sub.Attachments {
		attachments = append(attachments, request.Attachment{Name: a.Name, Content: a.Content, Metadata: a.Metadata})
	}
	req, err := b.app.Requests.Submit(ctx, request.Submission{
		ID:          sub.ID,
		AgentID:     sub.AgentID,
		Action:      sub.Action,
		Description: sub.Description,
		Inputs:      sub.Inputs,
		Attachments: attachments,
	})
	if err != nil {
		return nil, err
	}
	for !req.Settled() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.app.Processor.Handle(ctx, req.ID); err != nil {
			return nil, err
		}
		if req, err = b.app.Requests.Get(ctx, req.ID); err != nil {
			return nil, err
		}
	}
	var out cerberus.Request
	if err := convert(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *localBackend) Reviews(ctx context.Context, f cerberus.ReviewFilter) ([]cerberus.Review, error) {
	opts := []review.ListOption{
		review.WithAgent(f.Agent),
		review.WithLimit(f.Limit),
		review.WithOffset(f.Offset),
	}
	if f.Resolution != "" {
		opts = append(opts, review.WithResolutions(review.Resolution(f.Resolution)))
	}
	if f.Reason != "" {
		opts = append(opts, review.WithReasons(review.Reason(f.Reason)))
	}
	if f.Archived {
		opts = append(opts, review.WithArchived())
	}
	items, err := b.app.Reviews.List(ctx, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]cerberus.Review, 0, len(items))
	if err := convert(items, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *localBackend) Resolve(ctx context.Context, id string, res cerberus.Resolution) (*cerberus.Review, error) {
	resolution, err := review.ParseResolution(res.Resolution)
	if err != nil {
		return nil, err
	}
	var corrected *record.ExtractedRecord
	if len(res.Record) > 0 {
		corrected = &record.ExtractedRecord{}
		if err := json.Unmarshal(res.Record, corrected); err != nil {
			return nil, fmt.Errorf("解析更正记录失败: %w", err)
		}
	}
	item, err := b.app.Reviews.Resolve(ctx, id, resolution, corrected, res.Note)
	if err != nil {
		return nil, err
	}
	var out cerberus.Review
	if err := convert(item, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *localBackend) Close() error { return b.app.Close() }

type remoteBackend struct {
	client *cerberus.Client
	poll   time.Duration
}

func (b *remoteBackend) Agents(ctx context.Context) ([]cerberus.Agent, error) {
	return b.client.ListAgents(ctx)
}

func (b *remoteBackend) Run(ctx context.Context, sub cerberus.Submission) (*cerberus.Request, error) {
	req, err := b.client.SubmitRequest(ctx, sub)
	if err != nil {
		return nil, err
	}
	return b.client.WaitRequest(ctx, req.ID, b.poll)
}

func (b *remoteBackend) Reviews(ctx context.Context, f cerberus.ReviewFilter) ([]cerberus.Review, error) {
	return b.client.ListReviews(ctx, f)
}

func (b *remoteBackend) Resolve(ctx context.Context, id string, res cerberus.Resolution) (*cerberus.Review, error) {
	return b.client.ResolveReview(ctx, id, res)
}

func (b *remoteBackend) Close() error { return nil }

func agentsFromBundles(bundles []*agent.Bundle) []cerberus.Agent {
	out := make([]cerberus.Agent, 0, len(bundles))
	for _, b := range bundles {
		a := cerberus.Agent{
			Name:        b.Name,
			Type:        string(b.Type),
			Enabled:     b.IsEnabled(),
			Description: b.Description,
		}
		for _, action := range b.Actions {
			a.Actions = append(a.Actions, action.Name)
		}
		for _, t := range b.DocumentTypes {
			a.DocumentTypes = append(a.DocumentTypes, t.Name)
		}
		out = append(out, a)
	}
	return out
}

// convert 通过 JSON 把内部类型转换为 API 视图，与 HTTP 接口的输出保持一致。
func convert(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
