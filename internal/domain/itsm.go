package domain

// Application is a business application mirrored from the ITSM CMDB.
type Application struct {
	ID                int64  `json:"row_id,omitempty"`
	SysID             string `json:"sys_id"`
	Number            string `json:"number"`
	Name              string `json:"name"`
	ShortDescription  string `json:"short_description"`
	OperationalStatus string `json:"operational_status"`
	InstallStatus     string `json:"install_status"`
	Version           string `json:"version"`
	Vendor            string `json:"vendor"`
	Company           string `json:"company"`
	BusinessOwner     string `json:"business_owner"`
	ITOwner           string `json:"it_owner"`
	ManagedBy         string `json:"managed_by"`
	SupportGroup      string `json:"support_group"`
	CreatedOn         string `json:"created_on"`
	UpdatedOn         string `json:"updated_on"`
}

// StableKey returns the application number.
func (a Application) StableKey() string { return a.Number }

// RowID returns the surrogate key.
func (a Application) RowID() int64 { return a.ID }

// SameContent compares every field except the surrogate key.
func (a Application) SameContent(o Application) bool {
	a.ID, o.ID = 0, 0
	return a == o
}

// User is an ITSM user record.
type User struct {
	ID         int64  `json:"row_id,omitempty"`
	SysID      string `json:"sys_id"`
	EmployeeID string `json:"employee_id"`
	UserName   string `json:"user_name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
	Title      string `json:"title"`
	Active     string `json:"active"`
	Department string `json:"department"`
	Manager    string `json:"manager"`
	Location   string `json:"location"`
	Company    string `json:"company"`
	UpdatedOn  string `json:"updated_on"`
}

// StableKey is the employee id, or the sys_id for accounts without one.
func (u User) StableKey() string {
	if u.EmployeeID != "" {
		return u.EmployeeID
	}
	return u.SysID
}

// RowID returns the surrogate key.
func (u User) RowID() int64 { return u.ID }

// SameContent compares every field except the surrogate key.
func (u User) SameContent(o User) bool {
	u.ID, o.ID = 0, 0
	return u == o
}
