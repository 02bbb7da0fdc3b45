package authz

const (
	RoleAdmin     = "admin"
	RoleService   = "service"
	RoleAnonymous = "anonymous"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectStores = "authz.stores"
	ObjectModels = "authz.models"
	ObjectTuples = "authz.tuples"
)
