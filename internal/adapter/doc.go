/*
Package adapter assembles a LowFive process from a configuration.

It opens the blob store behind the pass-through mode (mem://, file:// or
s3://), builds the routing engine and the retention settings, creates the
metrics collector and the connector, and on Start brings up the optional
diagnostics API and the read-only inspection mount.

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Stop(ctx)
	if err := a.Start(ctx); err != nil {
		return err
	}

Transport links are opened on demand. A producer configured with a listen
address accepts its consumer; a consumer configured with a connect address
dials it, retrying while the producer comes up:

	ch, err := a.OpenChannel(ctx, transport.RoleConsumer)
	round, err := a.Connector().Receive(ctx, ch.Name())

Stop unmounts, shuts the servers down, releases every resident file and
channel, then closes the store and the log file.
*/
package adapter
