// Package dynamo implements orders.Store on Amazon DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/buddiz/checkout/internal/orders"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store keeps orders keyed by {id, userId} and products keyed by {id}.
type Store struct {
	client        API
	ordersTable   string
	productsTable string
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a Store over the given orders and products tables.
func New(client API, ordersTable, productsTable string, logger *zap.Logger) *Store {
	return &Store{
		client:        client,
		ordersTable:   ordersTable,
		productsTable: productsTable,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// money stores a decimal as a DynamoDB number without going through float64.
type money struct {
	decimal.Decimal
}

func (m money) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: m.String()}, nil
}

func (m *money) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var raw string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		raw = v.Value
	case *types.AttributeValueMemberS:
		raw = v.Value
	case *types.AttributeValueMemberNULL:
		m.Decimal = decimal.Zero
		return nil
	default:
		return fmt.Errorf("unsupported attribute type %T for amount", av)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	m.Decimal = d
	return nil
}

type itemRecord struct {
	ID       string `dynamodbav:"id"`
	Name     string `dynamodbav:"name"`
	Price    money  `dynamodbav:"price"`
	Quantity int    `dynamodbav:"quantity"`
}

type orderRecord struct {
	ID              string       `dynamodbav:"id"`
	UserID          string       `dynamodbav:"userId"`
	Items           []itemRecord `dynamodbav:"items"`
	Total           money        `dynamodbav:"total"`
	Currency        string       `dynamodbav:"currency"`
	Status          string       `dynamodbav:"status"`
	AuthorizationID string       `dynamodbav:"authorizationId,omitempty"`
	CaptureID       string       `dynamodbav:"captureId,omitempty"`
	CreatedAt       time.Time    `dynamodbav:"createdAt"`
	UpdatedAt       time.Time    `dynamodbav:"updatedAt"`
}

type productRecord struct {
	ID    string `dynamodbav:"id"`
	Name  string `dynamodbav:"name"`
	Price money  `dynamodbav:"price"`
	Stock int    `dynamodbav:"stock"`
}

func toOrderRecord(o *orders.Order) orderRecord {
	items := make([]itemRecord, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemRecord{ID: it.ProductID, Name: it.Name, Price: money{it.UnitPrice}, Quantity: it.Quantity})
	}
	return orderRecord{
		ID:              o.ID,
		UserID:          o.UserID,
		Items:           items,
		Total:           money{o.Total},
		Currency:        o.Currency,
		Status:          string(o.Status),
		AuthorizationID: o.AuthorizationID,
		CaptureID:       o.CaptureID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (r orderRecord) toOrder() *orders.Order {
	items := make([]orders.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, orders.LineItem{ProductID: it.ID, Name: it.Name, UnitPrice: it.Price.Decimal, Quantity: it.Quantity})
	}
	return &orders.Order{
		ID:              r.ID,
		UserID:          r.UserID,
		Items:           items,
		Total:           r.Total.Decimal,
		Currency:        r.Currency,
		Status:          orders.Status(r.Status),
		AuthorizationID: r.AuthorizationID,
		CaptureID:       r.CaptureID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func orderKey(key orders.OrderKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":     &types.AttributeValueMemberS{Value: key.ID},
		"userId": &types.AttributeValueMemberS{Value: key.UserID},
	}
}

func productKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

// GetOrder performs a strongly consistent read.
func (s *Store) GetOrder(ctx context.Context, key orders.OrderKey) (*orders.Order, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.ordersTable),
		Key:            orderKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", key.ID, err)
	}
	if out.Item == nil {
		return nil, orders.ErrRecordNotFound
	}

	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", key.ID, err)
	}
	return rec.toOrder(), nil
}

// PutOrder writes the whole order item, replacing any previous version.
func (s *Store) PutOrder(ctx context.Context, order *orders.Order) error {
	item, err := attributevalue.MarshalMap(toOrderRecord(order))
	if err != nil {
		return fmt.Errorf("failed to encode order %s: %w", order.ID, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.ordersTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to put order %s: %w", order.ID, err)
	}
	return nil
}

// GetProduct performs a strongly consistent read.
func (s *Store) GetProduct(ctx context.Context, productID string) (*orders.Product, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.productsTable),
		Key:            productKey(productID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", productID, err)
	}
	if out.Item == nil {
		return nil, orders.ErrRecordNotFound
	}

	var rec productRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", productID, err)
	}
	return &orders.Product{ID: rec.ID, Name: rec.Name, Price: rec.Price.Decimal, Stock: rec.Stock}, nil
}

// PutProduct writes the whole product item.
func (s *Store) PutProduct(ctx context.Context, product *orders.Product) error {
	item, err := attributevalue.MarshalMap(productRecord{
		ID:    product.ID,
		Name:  product.Name,
		Price: money{product.Price},
		Stock: product.Stock,
	})
	if err != nil {
		return fmt.Errorf("failed to encode product %s: %w", product.ID, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.productsTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to put product %s: %w", product.ID, err)
	}
	return nil
}

// ConditionalUpdate maps a rejected condition to *orders.ConditionFailedError.
func (s *Store) ConditionalUpdate(ctx context.Context, update orders.Update) error {
	w, err := s.write(update)
	if err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 w.TableName,
		Key:                       w.Key,
		UpdateExpression:          w.UpdateExpression,
		ConditionExpression:       w.ConditionExpression,
		ExpressionAttributeNames:  w.ExpressionAttributeNames,
		ExpressionAttributeValues: w.ExpressionAttributeValues,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return &orders.ConditionFailedError{Index: 0, Update: update}
		}
		return fmt.Errorf("failed to apply %s: %w", update, err)
	}
	return nil
}

// TransactWrite issues one TransactWriteItems call. DynamoDB reports a cancellation
// reason per item, in request order, which identifies the failed condition.
func (s *Store) TransactWrite(ctx context.Context, updates []orders.Update) error {
	items := make([]types.TransactWriteItem, 0, len(updates))
	for _, u := range updates {
		w, err := s.write(u)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{Update: w})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" && i < len(updates) {
				return &orders.ConditionFailedError{Index: i, Update: updates[i]}
			}
		}
		s.logger.Warn("transaction canceled", zap.Error(err))
	}
	return fmt.Errorf("transaction of %d updates failed: %w", len(updates), err)
}

func (s *Store) write(u orders.Update) (*types.Update, error) {
	switch u.Kind {
	case orders.UpdateDecrementStock:
		return &types.Update{
			TableName:           aws.String(s.productsTable),
			Key:                 productKey(u.ProductID),
			UpdateExpression:    aws.String("SET stock = stock - :qty"),
			ConditionExpression: aws.String("attribute_exists(id) AND stock >= :qty"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":qty": &types.AttributeValueMemberN{Value: strconv.Itoa(u.Quantity)},
			},
		}, nil

	case orders.UpdateOrderStatus:
		set := "SET #status = :to, updatedAt = :now"
		cond := "attribute_exists(id)"
		values := map[string]types.AttributeValue{
			":to":  &types.AttributeValueMemberS{Value: string(u.To)},
			":now": &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
		}
		if u.CaptureID != "" {
			set += ", captureId = :capture"
			values[":capture"] = &types.AttributeValueMemberS{Value: u.CaptureID}
		}
		if u.From != "" {
			cond += " AND #status = :from"
			values[":from"] = &types.AttributeValueMemberS{Value: string(u.From)}
		}
		return &types.Update{
			TableName:                 aws.String(s.ordersTable),
			Key:                       orderKey(u.Order),
			UpdateExpression:          aws.String(set),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  map[string]string{"#status": "status"},
			ExpressionAttributeValues: values,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported update kind %d", u.Kind)
	}
}
