/*
Package s3 stores pass-through files in an AWS S3 (or S3-compatible) bucket.

Backend implements types.Backend on top of aws-sdk-go-v2. Requests are
bounded by a ConnectionPool of PoolSize clients. Large objects, which in
practice are the dataset buffers of saved files, are uploaded through the
CargoShip transporter once they reach MultipartThreshold; when CargoShip
fails the upload is retried once as a plain PutObject.

Keys are relative to Config.Prefix, so one bucket can hold several stores:

	cfg := s3.NewDefaultConfig()
	cfg.Prefix = "runs/42"
	store, err := s3.NewBackend(ctx, "simulation-output", cfg)

Errors are reported as LowFive errors: missing keys map to
STORAGE_NOT_FOUND, an unreachable bucket to STORAGE_UNAVAILABLE and other
failures to STORAGE_READ or STORAGE_WRITE, which the retry package treats
as transient.

Credentials come from the static keys in Config when set and from the
default AWS provider chain otherwise. The store logs through log/slog with
component=s3-store.
*/
package s3
