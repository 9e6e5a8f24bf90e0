/*
Package security provides cryptographic services for a vdisk cluster: a
Certificate Authority for mutual TLS between nodes, certificate lifecycle
management, and an AES-256-GCM helper for data that must be encrypted at
rest (today, the CA's own root key).

# Cluster encryption key

All at-rest encryption is rooted in a 32-byte key derived from the cluster
ID during bootstrap:

	clusterKey = SHA-256(clusterID)

DeriveKeyFromClusterID computes it; SetClusterEncryptionKey installs it as
the process-wide key used by Encrypt/Decrypt. It must be set before
CertAuthority.LoadFromStore or SaveToStore are called.

# Certificate authority

CertAuthority holds a self-signed root certificate (RSA 4096, 10-year
validity) and uses it to sign short-lived node and CLI certificates (RSA
2048, 90-day validity). Every node in the cluster is a peer: there is no
manager/worker distinction, so IssueNodeCertificate takes a role string
purely for the certificate's CommonName.

	ca := security.NewCertAuthority(store) // store implements CAStore
	if err := ca.Initialize(); err != nil { ... }
	if err := ca.SaveToStore(); err != nil { ... }

	cert, err := ca.IssueNodeCertificate(nodeID, "node", dnsNames, ips)

CAStore is a narrow interface (GetCA/SaveCA) so this package does not
depend on a concrete persistence backend; the root key is encrypted with
Encrypt before being handed to CAStore.SaveCA and decrypted after
CAStore.GetCA.

# Certificate files on disk

certs.go manages the on-disk certificate directory for a node or the CLI
(GetCertDir, GetCLICertDir), and the PEM load/save helpers used to persist
an issued certificate plus the root CA cert alongside it
(SaveCertToFile/LoadCertFromFile, SaveCACertToFile/LoadCACertFromFile).
CertNeedsRotation flags a certificate within 30 days of NotAfter.

# mTLS wiring

pkg/api's Server and pkg/client's Client both load a node or CLI
certificate plus the cluster's root CA cert from this layout. The server's
tls.Config requests a client certificate but does not require or verify
it. Every node
dials every other node with the same mutual-auth configuration; there is
no separate ingress or public-facing TLS posture.
*/
package security
