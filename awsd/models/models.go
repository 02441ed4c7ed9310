package models

// Instance represents one running EC2 instance as seen by the config generator
type Instance struct {
	ID        string
	ImageID   string
	PrivateIP string
	PublicIP  string
	KeyName   string
	Tags      map[string]string

	// Name is the unique host name, assigned once after collision resolution.
	Name string
	// User is the login user, assigned once by the user resolver.
	User string
}

// TagFilter is a tag equality filter. Filters are ANDed together.
type TagFilter struct {
	Key   string
	Value string
}

func (f TagFilter) String() string {
	return f.Key + "=" + f.Value
}
