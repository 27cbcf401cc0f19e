package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/workflow"
)

// MongoDB 集合名
const (
	mongoWorkflows  = "workflows"
	mongoSteps      = "workflow_steps"
	mongoExecutions = "workflow_executions"
)

// 查询用到的字段单独存放，完整对象以 JSON 存在 body 中，
// 保证动态参数的类型与其他后端一致
type mongoWorkflowDoc struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	CreatedBy string    `bson:"created_by"`
	CreatedAt time.Time `bson:"created_at"`
	Body      string    `bson:"body"`
}

type mongoStepDoc struct {
	ID         string `bson:"_id"`
	WorkflowID string `bson:"workflow_id"`
	StepID     string `bson:"step_id"`
	Order      int    `bson:"order"`
	Position   int    `bson:"position"`
	Body       string `bson:"body"`
}

type mongoExecutionDoc struct {
	ID              string `bson:"_id"`
	WorkflowID      string `bson:"workflow_id"`
	ExecutionNumber int    `bson:"execution_number"`
	Body            string `bson:"body"`
}

// MongoStore 基于 MongoDB 的 workflow.Store 实现
type MongoStore struct {
	client     *mongo.Client
	db         *mongo.Database
	workflows  *mongo.Collection
	steps      *mongo.Collection
	executions *mongo.Collection
	logger     *zap.Logger
	ownsClient bool
}

// OpenMongoStore 连接 MongoDB 并确保索引存在
func OpenMongoStore(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := NewMongoStore(client.Database(database), logger)
	s.ownsClient = true
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStore 使用已有数据库句柄创建存储
func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		client:     db.Client(),
		db:         db,
		workflows:  db.Collection(mongoWorkflows),
		steps:      db.Collection(mongoSteps),
		executions: db.Collection(mongoExecutions),
		logger:     logger.With(zap.String("component", "mongo_store")),
	}
}

// EnsureIndexes 创建查询与唯一性索引
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.workflows.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_by", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("create workflow indexes: %w", err)
	}
	if _, err := s.steps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "order", Value: 1}, {Key: "position", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create step indexes: %w", err)
	}
	if _, err := s.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "execution_number", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("idx_workflow_execution_number"),
	}); err != nil {
		return fmt.Errorf("create execution indexes: %w", err)
	}
	return nil
}

func stepDocID(workflowID, stepID string) string { return workflowID + "/" + stepID }

// SaveWorkflow 实现 workflow.Store
// 不依赖多文档事务，单机部署也可用
func (s *MongoStore) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	body, err := marshalWorkflowBody(w)
	if err != nil {
		return err
	}
	doc := mongoWorkflowDoc{ID: w.ID, Status: string(w.Status), CreatedBy: w.CreatedBy, CreatedAt: w.CreatedAt, Body: string(body)}
	if _, err := s.workflows.ReplaceOne(ctx, bson.M{"_id": w.ID}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}

	if _, err := s.steps.DeleteMany(ctx, bson.M{"workflow_id": w.ID}); err != nil {
		return fmt.Errorf("replace steps of %s: %w", w.ID, err)
	}
	if len(w.Steps) == 0 {
		return nil
	}
	docs := make([]any, 0, len(w.Steps))
	for i, step := range w.Steps {
		data, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("marshal step %s: %w", step.ID, err)
		}
		docs = append(docs, mongoStepDoc{
			ID:         stepDocID(w.ID, step.ID),
			WorkflowID: w.ID,
			StepID:     step.ID,
			Order:      step.Order,
			Position:   i,
			Body:       string(data),
		})
	}
	if _, err := s.steps.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert steps of %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWorkflow 实现 workflow.Store
func (s *MongoStore) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	body, err := marshalWorkflowBody(w)
	if err != nil {
		return err
	}
	res, err := s.workflows.UpdateOne(ctx, bson.M{"_id": w.ID}, bson.M{"$set": bson.M{
		"status":     string(w.Status),
		"created_by": w.CreatedBy,
		"body":       string(body),
	}})
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", w.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update workflow %s: %w", w.ID, workflow.ErrWorkflowNotFound)
	}
	return nil
}

// GetWorkflow 实现 workflow.Store
func (s *MongoStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var doc mongoWorkflowDoc
	if err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get workflow %s: %w", id, workflow.ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return s.hydrate(ctx, doc)
}

func (s *MongoStore) hydrate(ctx context.Context, doc mongoWorkflowDoc) (*workflow.Workflow, error) {
	var w workflow.Workflow
	if err := json.Unmarshal([]byte(doc.Body), &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", doc.ID, err)
	}

	cur, err := s.steps.Find(ctx, bson.M{"workflow_id": doc.ID},
		options.Find().SetSort(bson.D{{Key: "order", Value: 1}, {Key: "position", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", doc.ID, err)
	}
	var steps []mongoStepDoc
	if err := cur.All(ctx, &steps); err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", doc.ID, err)
	}
	for _, sd := range steps {
		var step workflow.Step
		if err := json.Unmarshal([]byte(sd.Body), &step); err != nil {
			return nil, fmt.Errorf("decode step %s: %w", sd.StepID, err)
		}
		w.Steps = append(w.Steps, &step)
	}
	return &w, nil
}

// ListWorkflows 实现 workflow.Store
func (s *MongoStore) ListWorkflows(ctx context.Context, filter workflow.WorkflowFilter) ([]*workflow.Workflow, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.CreatedBy != "" {
		q["created_by"] = filter.CreatedBy
	}
	cur, err := s.workflows.Find(ctx, q,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var docs []mongoWorkflowDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	out := make([]*workflow.Workflow, 0, len(docs))
	for _, doc := range docs {
		w, err := s.hydrate(ctx, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	workflow.SortWorkflows(out)
	return out, nil
}

// UpdateStep 实现 workflow.Store
func (s *MongoStore) UpdateStep(ctx context.Context, step *workflow.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step %s: %w", step.ID, err)
	}
	res, err := s.steps.UpdateOne(ctx, bson.M{"_id": stepDocID(step.WorkflowID, step.ID)},
		bson.M{"$set": bson.M{"body": string(data)}})
	if err != nil {
		return fmt.Errorf("update step %s: %w", step.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update step %s: %w", step.ID, workflow.ErrNotFound)
	}
	return nil
}

// CreateExecution 实现 workflow.Store
func (s *MongoStore) CreateExecution(ctx context.Context, e *workflow.WorkflowExecution) error {
	doc, err := toExecutionDoc(e)
	if err != nil {
		return err
	}
	if _, err := s.executions.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExecution 实现 workflow.Store
func (s *MongoStore) UpdateExecution(ctx context.Context, e *workflow.WorkflowExecution) error {
	doc, err := toExecutionDoc(e)
	if err != nil {
		return err
	}
	res, err := s.executions.ReplaceOne(ctx, bson.M{"_id": e.ID}, doc)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update execution %s: %w", e.ID, workflow.ErrNotFound)
	}
	return nil
}

// GetExecution 实现 workflow.Store
func (s *MongoStore) GetExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	var doc mongoExecutionDoc
	if err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get execution %s: %w", id, workflow.ErrNotFound)
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return decodeExecution(id, []byte(doc.Body))
}

// ListExecutions 实现 workflow.Store
func (s *MongoStore) ListExecutions(ctx context.Context, workflowID string) ([]*workflow.WorkflowExecution, error) {
	cur, err := s.executions.Find(ctx, bson.M{"workflow_id": workflowID},
		options.Find().SetSort(bson.D{{Key: "execution_number", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list executions of %s: %w", workflowID, err)
	}
	var docs []mongoExecutionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list executions of %s: %w", workflowID, err)
	}
	out := make([]*workflow.WorkflowExecution, 0, len(docs))
	for _, doc := range docs {
		e, err := decodeExecution(doc.ID, []byte(doc.Body))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MaxExecutionNumber 实现 workflow.Store
func (s *MongoStore) MaxExecutionNumber(ctx context.Context, workflowID string) (int, error) {
	var doc mongoExecutionDoc
	err := s.executions.FindOne(ctx, bson.M{"workflow_id": workflowID},
		options.FindOne().SetSort(bson.D{{Key: "execution_number", Value: -1}})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("max execution number of %s: %w", workflowID, err)
	}
	return doc.ExecutionNumber, nil
}

// Ping 检查连接
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close 实现 workflow.Store，仅断开自己创建的客户端
func (s *MongoStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toExecutionDoc(e *workflow.WorkflowExecution) (mongoExecutionDoc, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return mongoExecutionDoc{}, fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	return mongoExecutionDoc{ID: e.ID, WorkflowID: e.WorkflowID, ExecutionNumber: e.ExecutionNumber, Body: string(data)}, nil
}

var _ workflow.Store = (*MongoStore)(nil)
