package registry

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// AccessControlABI is the ABI of the AccessControl contract.
const AccessControlABI = `[
 {"type":"function","name":"assignRole","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"role","type":"uint8"}],"outputs":[]},
 {"type":"function","name":"revokeAccess","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"}],"outputs":[]},
 {"type":"function","name":"batchAssignRoles","stateMutability":"nonpayable","inputs":[{"name":"users","type":"address[]"},{"name":"roles","type":"uint8[]"}],"outputs":[]},
 {"type":"function","name":"transferAdminRole","stateMutability":"nonpayable","inputs":[{"name":"newAdmin","type":"address"}],"outputs":[]},
 {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"role","type":"uint8"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"hasRoleOrHigher","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"minRole","type":"uint8"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getUserRole","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"event","name":"UserRegistered","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"role","type":"uint8","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]},
 {"type":"event","name":"RoleAssigned","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"role","type":"uint8","indexed":false},{"name":"assignedBy","type":"address","indexed":true}]},
 {"type":"event","name":"RoleRevoked","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"previousRole","type":"uint8","indexed":false},{"name":"revokedBy","type":"address","indexed":true}]},
 {"type":"event","name":"AccessAttempt","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"action","type":"string","indexed":false},{"name":"success","type":"bool","indexed":false}]}
]`

// DocumentRegistryABI is the ABI of the DocumentRegistry contract.
const DocumentRegistryABI = `[
 {"type":"function","name":"registerDocument","stateMutability":"nonpayable","inputs":[{"name":"documentHash","type":"bytes32"},{"name":"owner","type":"address"},{"name":"ipfsHash","type":"string"},{"name":"documentType","type":"string"},{"name":"metadata","type":"string"}],"outputs":[]},
 {"type":"function","name":"verifyDocument","stateMutability":"nonpayable","inputs":[{"name":"documentHash","type":"bytes32"}],"outputs":[{"name":"isValid","type":"bool"},{"name":"document","type":"tuple","components":[{"name":"documentHash","type":"bytes32"},{"name":"issuer","type":"address"},{"name":"owner","type":"address"},{"name":"ipfsHash","type":"string"},{"name":"documentType","type":"string"},{"name":"metadata","type":"string"},{"name":"timestamp","type":"uint256"},{"name":"isActive","type":"bool"}]}]},
 {"type":"function","name":"getDocument","stateMutability":"view","inputs":[{"name":"documentHash","type":"bytes32"}],"outputs":[{"name":"","type":"tuple","components":[{"name":"documentHash","type":"bytes32"},{"name":"issuer","type":"address"},{"name":"owner","type":"address"},{"name":"ipfsHash","type":"string"},{"name":"documentType","type":"string"},{"name":"metadata","type":"string"},{"name":"timestamp","type":"uint256"},{"name":"isActive","type":"bool"}]}]},
 {"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[{"name":"documentHash","type":"bytes32"},{"name":"newOwner","type":"address"}],"outputs":[]},
 {"type":"function","name":"grantAccess","stateMutability":"nonpayable","inputs":[{"name":"documentHash","type":"bytes32"},{"name":"viewer","type":"address"}],"outputs":[]},
 {"type":"function","name":"revokeAccess","stateMutability":"nonpayable","inputs":[{"name":"documentHash","type":"bytes32"},{"name":"viewer","type":"address"}],"outputs":[]},
 {"type":"function","name":"deactivateDocument","stateMutability":"nonpayable","inputs":[{"name":"documentHash","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
 {"type":"function","name":"getUserDocuments","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bytes32[]"}]},
 {"type":"function","name":"getDocumentViewers","stateMutability":"view","inputs":[{"name":"documentHash","type":"bytes32"}],"outputs":[{"name":"","type":"address[]"}]},
 {"type":"function","name":"checkAccess","stateMutability":"view","inputs":[{"name":"documentHash","type":"bytes32"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getTotalDocuments","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getUserDocumentCount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"DocumentRegistered","anonymous":false,"inputs":[{"name":"documentHash","type":"bytes32","indexed":true},{"name":"issuer","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"ipfsHash","type":"string","indexed":false},{"name":"documentType","type":"string","indexed":false}]},
 {"type":"event","name":"DocumentVerified","anonymous":false,"inputs":[{"name":"documentHash","type":"bytes32","indexed":true},{"name":"verifier","type":"address","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]},
 {"type":"event","name":"OwnershipTransferred","anonymous":false,"inputs":[{"name":"documentHash","type":"bytes32","indexed":true},{"name":"previousOwner","type":"address","indexed":true},{"name":"newOwner","type":"address","indexed":true}]},
 {"type":"event","name":"AccessGranted","anonymous":false,"inputs":[{"name":"documentHash","type":"bytes32","indexed":true},{"name":"viewer","type":"address","indexed":true},{"name":"grantedBy","type":"address","indexed":true}]},
 {"type":"event","name":"AccessRevoked","anonymous":false,"inputs":[{"name":"documentHash","type":"bytes32","indexed":true},{"name":"viewer","type":"address","indexed":true},{"name":"revokedBy","type":"address","indexed":true}]},
 {"type":"event","name":"DocumentDeactivated","anonymous":false,"inputs":[{"name":"documentHash","type":"bytes32","indexed":true},{"name":"deactivatedBy","type":"address","indexed":true},{"name":"reason","type":"string","indexed":false}]}
]`

var (
	accessControlABI    = mustParseABI(AccessControlABI)
	documentRegistryABI = mustParseABI(DocumentRegistryABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("invalid contract ABI: " + err.Error())
	}
	return parsed
}

// documentTuple mirrors the Document struct returned by getDocument and verifyDocument.
type documentTuple struct {
	DocumentHash [32]byte
	Issuer       common.Address
	Owner        common.Address
	IpfsHash     string
	DocumentType string
	Metadata     string
	Timestamp    *big.Int
	IsActive     bool
}

type userRegisteredEvent struct {
	User      common.Address
	Role      uint8
	Timestamp *big.Int
}

type roleAssignedEvent struct {
	User       common.Address
	Role       uint8
	AssignedBy common.Address
}

type roleRevokedEvent struct {
	User         common.Address
	PreviousRole uint8
	RevokedBy    common.Address
}
