package models

// Organization owns cases and reference sets.
type Organization struct {
	ID       int64  `json:"id"`
	Name     string `json:"org_name"`
	PocName  string `json:"poc_name,omitempty"`
	PocEmail string `json:"poc_email,omitempty"`
	PocPhone string `json:"poc_phone,omitempty"`
}

// DefaultOrganizationName is inserted with the default content.
const DefaultOrganizationName = "Not Specified"

// Examiner is a login name seen on a persona or account link.
type Examiner struct {
	ID        int64  `json:"id"`
	LoginName string `json:"login_name"`
}

// Case identifies one investigation. CaseUID is globally unique.
type Case struct {
	ID            int64         `json:"id"`
	CaseUID       string        `json:"case_uid"`
	Org           *Organization `json:"org,omitempty"`
	DisplayName   string        `json:"case_name"`
	CreationDate  string        `json:"creation_date"`
	CaseNumber    string        `json:"case_number,omitempty"`
	ExaminerName  string        `json:"examiner_name,omitempty"`
	ExaminerEmail string        `json:"examiner_email,omitempty"`
	ExaminerPhone string        `json:"examiner_phone,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

// CreationDateLayout is the stored format of Case.CreationDate.
const CreationDateLayout = "2006/01/02 15:04:05"

// OrgID returns the owning organization id or nil.
func (c *Case) OrgID() *int64 {
	if c.Org == nil {
		return nil
	}
	id := c.Org.ID
	return &id
}

// DataSource is one piece of evidence within a case. DeviceID is unique
// per case only.
type DataSource struct {
	ID       int64  `json:"id"`
	CaseID   int64  `json:"case_id"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	ObjectID int64  `json:"datasource_obj_id"`
	MD5      string `json:"md5,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}
