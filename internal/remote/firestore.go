package remote

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreDocuments is the Firestore-backed DocumentStore.
type FirestoreDocuments struct {
	client *firestore.Client
}

// NewFirestoreDocuments opens the Firestore client of app.
func NewFirestoreDocuments(ctx context.Context, app *firebase.App) (*FirestoreDocuments, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firestore client: %w", err)
	}
	return &FirestoreDocuments{client: client}, nil
}

// Close closes the Firestore client.
func (f *FirestoreDocuments) Close() error {
	return f.client.Close()
}

func (f *FirestoreDocuments) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	ref, _, err := f.client.Collection(collection).Add(ctx, data)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (f *FirestoreDocuments) Set(ctx context.Context, collection, id string, data map[string]any) error {
	_, err := f.client.Collection(collection).Doc(id).Set(ctx, data, firestore.MergeAll)
	return err
}

func (f *FirestoreDocuments) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	snapshot, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{ID: snapshot.Ref.ID, Data: snapshot.Data()}, true, nil
}

func (f *FirestoreDocuments) List(ctx context.Context, collection, orderBy string) ([]Document, error) {
	iter := f.client.Collection(collection).OrderBy(orderBy, firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var documents []Document
	for {
		snapshot, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate %s: %w", collection, err)
		}
		documents = append(documents, Document{ID: snapshot.Ref.ID, Data: snapshot.Data()})
	}
	return documents, nil
}

func (f *FirestoreDocuments) FindByField(ctx context.Context, collection, field string, value any) (Document, bool, error) {
	iter := f.client.Collection(collection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snapshot, err := iter.Next()
	if err == iterator.Done {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{ID: snapshot.Ref.ID, Data: snapshot.Data()}, true, nil
}
