// Package assetclient requests tiered assets from an asset-cache process
// over NATS.
//
// # Basic Usage
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	client, _ := assetclient.New(assetclient.Config{NC: nc})
//
//	mesh, _ := client.Get(ctx, "models", "chair", "close")
//	resp, _ := client.ReportDistance(ctx, 12.5)
//
// # Direct reads
//
// When [Config.JS] and [Config.Bucket] are set the client first reads the
// origin JetStream Object Store, where objects are named
// {collection}/{key}_{tier}. Objects missing there are requested from the
// cache process, which falls back through its own sources and bundled
// placeholders.
//
// # Subjects
//
//	assets.get.{collection}.{tier}   body: key, reply: payload
//	assets.distance                  body: {"distance": d}
package assetclient
