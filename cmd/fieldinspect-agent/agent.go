package main

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/config"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/localstore"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/mergeview"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/metrics"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/reconcile"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/submission"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// agent holds the assembled components shared by the server and sync commands.
type agent struct {
	logger      *zap.Logger
	registry    *prometheus.Registry
	metrics     *metrics.Recorder
	store       *localstore.Store
	users       *users.Service
	validator   *auth.SessionValidator
	signal      *connectivity.Signal
	gateway     *remote.Gateway
	coordinator *submission.Coordinator
	engine      *reconcile.Engine
	views       *mergeview.Builder
	closers     []func() error
}

func newAgent(ctx context.Context, appConfig config.AppConfig) (*agent, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &agent{logger: logger}
	if err := a.assemble(ctx, appConfig); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *agent) assemble(ctx context.Context, appConfig config.AppConfig) error {
	logger := a.logger

	db, err := localstore.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	a.store = localstore.NewStore(localstore.Config{Database: db, Clock: time.Now, Logger: logger})
	a.closers = append(a.closers, a.store.Close)

	a.users, err = users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	if user, restored, err := a.users.Restore(ctx); err != nil {
		logger.Warn("session restore failed", zap.Error(err))
	} else if restored {
		logger.Info("session restored", zap.String("user_id", user.UserID))
	}

	a.validator, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.IdentitySigningSecret),
		Issuer:        appConfig.IdentityIssuer,
		Clock:         time.Now,
	})
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.metrics, err = metrics.NewRecorder(a.registry)
	if err != nil {
		return err
	}

	a.signal = connectivity.NewSignal(appConfig.InitiallyOnline)
	a.metrics.Online(a.signal.Online())

	documents, blobs, err := a.openRemote(ctx, appConfig)
	if err != nil {
		return err
	}
	a.gateway, err = remote.NewGateway(remote.Config{Documents: documents, Blobs: blobs, Logger: logger})
	if err != nil {
		return err
	}

	a.coordinator, err = submission.NewCoordinator(submission.Config{
		Store:        a.store,
		Gateway:      a.gateway,
		Connectivity: a.signal,
		Users:        a.users,
		IDProvider:   inspections.NewLocalIDProvider(),
		Clock:        time.Now,
		Logger:       logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}

	a.engine, err = reconcile.NewEngine(reconcile.Config{
		Store:        a.store,
		Gateway:      a.gateway,
		Connectivity: a.signal,
		Clock:        time.Now,
		Logger:       logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}

	a.views, err = mergeview.NewBuilder(mergeview.Config{
		Local:        a.store,
		Remote:       a.gateway,
		Connectivity: a.signal,
		Logger:       logger,
	})
	return err
}

func (a *agent) openRemote(ctx context.Context, appConfig config.AppConfig) (remote.DocumentStore, remote.BlobStore, error) {
	var app *firebase.App
	firebaseApp := func() (*firebase.App, error) {
		if app != nil {
			return app, nil
		}
		created, err := remote.NewFirebaseApp(ctx, remote.FirebaseConfig{
			ProjectID:       appConfig.FirebaseProjectID,
			CredentialsFile: appConfig.FirebaseCredentials,
			StorageBucket:   appConfig.BlobBucket,
		})
		if err != nil {
			return nil, err
		}
		app = created
		return app, nil
	}

	var documents remote.DocumentStore
	switch appConfig.RemoteDriver {
	case config.RemoteDriverMemory:
		documents = remote.NewMemoryDocuments()
	case config.RemoteDriverFirestore:
		fbApp, err := firebaseApp()
		if err != nil {
			return nil, nil, err
		}
		firestoreDocuments, err := remote.NewFirestoreDocuments(ctx, fbApp)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, firestoreDocuments.Close)
		documents = firestoreDocuments
	default:
		return nil, nil, fmt.Errorf("unsupported remote driver %q", appConfig.RemoteDriver)
	}

	var blobs remote.BlobStore
	switch appConfig.BlobDriver {
	case config.BlobDriverMemory:
		blobs = remote.NewMemoryBlobs()
	case config.BlobDriverFirebase:
		fbApp, err := firebaseApp()
		if err != nil {
			return nil, nil, err
		}
		blobs, err = remote.NewFirebaseBlobs(ctx, fbApp, appConfig.BlobBucket)
		if err != nil {
			return nil, nil, err
		}
	case config.BlobDriverS3:
		s3Blobs, err := remote.NewS3Blobs(ctx, remote.S3Config{
			Endpoint:      appConfig.S3.Endpoint,
			Region:        appConfig.S3.Region,
			AccessKey:     appConfig.S3.AccessKey,
			SecretKey:     appConfig.S3.SecretKey,
			Bucket:        appConfig.BlobBucket,
			PublicBaseURL: appConfig.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		blobs = s3Blobs
	default:
		return nil, nil, fmt.Errorf("unsupported blob driver %q", appConfig.BlobDriver)
	}

	a.logger.Info("remote drivers ready",
		zap.String("remote_driver", appConfig.RemoteDriver),
		zap.String("blob_driver", appConfig.BlobDriver),
	)
	return documents, blobs, nil
}

// Close releases every opened resource in reverse order.
func (a *agent) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
