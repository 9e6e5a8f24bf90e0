/*
Package client provides a Go client library for the vdisk Management
gRPC service.

It wraps pkg/api's grpc service with mTLS connection handling and a
typed method per verb, and follows RedirectInfo responses automatically
by redialing the indicated node, up to a small bounded number of hops.

# Usage

	c, err := client.NewClient("my-cluster", "node-1:8080")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	err = c.CreateVolume(types.VolumeConfiguration{
		ID:               "vol-1",
		BackendNamespace: "vol-1",
		LBASize:          4096,
	})

# Redirection

Every object-scoped method retries through callRedirecting: if the
contacted node returns a RedirectInfo because it no longer owns the
object, the client redials the indicated host:port with the same TLS
identity and retries, up to maxRedirectHops attempts.

# Cluster bootstrap

JoinCluster satisfies pkg/coordinator.JoinRequester: a node joining an
existing cluster dials the current leader with a Client and passes it to
Coordinator.Join, which calls JoinCluster once its own raft transport is
ready to accept the new voter.
*/
package client
