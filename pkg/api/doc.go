/*
Package api implements the vdisk Management gRPC server.

It is the gateway between cluster clients (volumectl, or any other
Management client) and a node's local volume runtime. Every RPC is
dispatched through pkg/router to find the object's current owner, and
handled locally via pkg/volumehost once this node is confirmed to be it.

# Architecture

	┌────────────── CLIENT (volumectl) ─────────────┐
	│   gRPC client (mTLS, TLS 1.3)                  │
	└────────────────────┬───────────────────────────┘
	                     │ gRPC, JSON-coded requests
	┌────────────────────▼──────────── NODE ─────────┐
	│  pkg/api.Server                                 │
	│    - checkCluster: reject requests for a        │
	│      different cluster id                       │
	│    - router.Lookup: redirect when this node      │
	│      isn't the object's current owner            │
	│    - dispatch to pkg/volumehost                  │
	│                     │                             │
	│  pkg/volumehost.Host                              │
	│    - owns the running volumeengine.Engine per     │
	│      resident volume                              │
	│    - talks to pkg/coordinator for registration     │
	│      and state reporting                          │
	└──────────────────────────────────────────────────┘

# Methods

The service exposes the 20 verbs of the Management surface:

Volume lifecycle:
  - CreateVolume, CreateClone, Destroy, Migrate, Stop, Restart

Snapshots:
  - CreateSnapshot, ListSnapshots, RestoreSnapshot, DeleteSnapshot

Node administration:
  - MarkNodeOnline, MarkNodeOffline

Reconfiguration:
  - SetFailoverCacheConfig, SetClusterCacheMode, SetClusterCacheBehaviour,
    SetClusterCacheLimit, SetSCOMultiplier, SetTLogMultiplier

Durability:
  - ScheduleBackendSync, IsSyncedUpTo

# Wire format

Requests and responses are plain Go structs (pkg/api/messages.go), not
Protocol Buffers: pkg/rpcx registers a JSON grpc.Codec and builds the
grpc.ServiceDesc directly from a list of typed handlers, so there is no
separate .proto file or generated code to keep in sync.

# Redirection

Every response that targets a specific object carries an optional
Redirect field. A non-nil Redirect means the contacted node is not the
object's current owner; the caller should retry against
Redirect.Host/Redirect.Port, bounded to a small number of hops.

# mTLS

NewServer loads this node's certificate and its cluster CA the same way
for every node: RequestClientCert, TLS 1.3 minimum. The server asks for a
client certificate but neither requires one nor verifies it against the
cluster CA pool. There is no separate manager/worker
certificate distinction; every node speaks Management to every other
node as a peer.

# Read-only interception

ReadOnlyInterceptor (interceptor.go) classifies methods by name prefix
(List, Get, Is) for any caller that wants to distinguish read traffic
from write traffic, for example to route reads to a follower.
*/
package api
