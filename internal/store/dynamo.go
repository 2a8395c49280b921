package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/model"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix    = "SESSION#"
	skMeta      = "META"
	skContainer = "CONTAINER#"

	// maxTransactItems is the DynamoDB TransactWriteItems limit per call.
	// FinalizeSession writes the session record plus one item per container
	// in a single transaction, so a session may hold at most 99 containers.
	maxTransactItems = 100
)

// DynamoStore implements SessionStore using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ SessionStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// sessionPK returns the partition key for a session.
func sessionPK(sessionID string) string {
	return pkPrefix + sessionID
}

// expiresAt returns the Unix epoch timestamp for record expiration.
func expiresAt() int64 {
	return time.Now().Add(WorkingTTL).Unix()
}

// marshalItem marshals a domain object and stamps PK, SK, and TTL attributes,
// overwriting any conflicting keys from the data.
func (s *DynamoStore) marshalItem(pk, sk string, data interface{}) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}
	return item, nil
}

// CreateSession writes the session META record, conditioned on the key not
// existing so a replayed intake event cannot clobber in-flight state.
func (s *DynamoStore) CreateSession(ctx context.Context, session *model.Session) error {
	item, err := s.marshalItem(sessionPK(session.ID), skMeta, session)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrSessionExists
		}
		return fmt.Errorf("PutItem session %s: %w", session.ID, err)
	}

	log.Debug().
		Str("sessionId", session.ID).
		Str("photoKey", session.PhotoKey).
		Msg("Session record created")
	return nil
}

// GetSession retrieves session state by ID. Returns nil, nil if not found.
func (s *DynamoStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem session %s: %w", sessionID, err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var session model.Session
	if err := attributevalue.UnmarshalMap(result.Item, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	session.ID = sessionID
	return &session, nil
}

// UpdateSessionStatus transitions the META record's status field.
func (s *DynamoStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET #st = :status"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
	if err != nil {
		return fmt.Errorf("UpdateItem session %s status=%s: %w", sessionID, status, err)
	}
	return nil
}

// FinalizeSession writes the terminal session state and all container results
// in one TransactWriteItems call. Either every record lands or none do.
func (s *DynamoStore) FinalizeSession(ctx context.Context, result *FinalResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	if len(result.Containers)+1 > maxTransactItems {
		return &PersistenceError{SessionID: result.Session.ID,
			Reason: fmt.Sprintf("%d containers exceed the single-transaction limit", len(result.Containers))}
	}

	pk := sessionPK(result.Session.ID)
	items := make([]types.TransactWriteItem, 0, len(result.Containers)+1)

	meta, err := s.marshalItem(pk, skMeta, &result.Session)
	if err != nil {
		return err
	}
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{TableName: &s.tableName, Item: meta},
	})

	for i := range result.Containers {
		cr := &result.Containers[i]
		item, err := s.marshalItem(pk, skContainer+cr.Container.ID, cr)
		if err != nil {
			return fmt.Errorf("container %s: %w", cr.Container.ID, err)
		}
		// ID and SessionID are excluded from the marshaled container; the
		// sort key and partition key carry them.
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: &s.tableName, Item: item},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("TransactWriteItems session %s: %w", result.Session.ID, err)
	}

	log.Info().
		Str("sessionId", result.Session.ID).
		Str("status", string(result.Session.Status)).
		Int("containers", len(result.Containers)).
		Msg("Session finalized")
	return nil
}

// GetContainerResults queries all CONTAINER# records under a session.
func (s *DynamoStore) GetContainerResults(ctx context.Context, sessionID string) ([]ContainerResult, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":sk": &types.AttributeValueMemberS{Value: skContainer},
		},
	})

	var results []ContainerResult
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("Query containers session %s: %w", sessionID, err)
		}
		for _, item := range page.Items {
			var cr ContainerResult
			if err := attributevalue.UnmarshalMap(item, &cr); err != nil {
				return nil, fmt.Errorf("unmarshal container session %s: %w", sessionID, err)
			}
			if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
				cr.Container.ID = strings.TrimPrefix(sk.Value, skContainer)
			}
			cr.Container.SessionID = sessionID
			results = append(results, cr)
		}
	}
	return results, nil
}
