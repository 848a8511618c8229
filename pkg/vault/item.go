package vault

import "github.com/tidwall/gjson"

// Item is a decoded vault item. Structured login fields sit alongside the
// free-form custom fields array.
type Item struct {
	ID       string
	Name     string
	Password string
	Username string
	TOTP     string
	Notes    string
	Fields   []CustomField
}

// CustomField is one entry of an item's custom fields array.
type CustomField struct {
	Name  string
	Value string
}

// ParseItem decodes the vault binary's item JSON. Unknown keys are ignored.
func ParseItem(data []byte) Item {
	root := gjson.ParseBytes(data)
	item := Item{
		ID:       root.Get("id").String(),
		Name:     root.Get("name").String(),
		Password: root.Get("login.password").String(),
		Username: root.Get("login.username").String(),
		TOTP:     root.Get("login.totp").String(),
		Notes:    root.Get("notes").String(),
	}
	root.Get("fields").ForEach(func(_, field gjson.Result) bool {
		item.Fields = append(item.Fields, CustomField{
			Name:  field.Get("name").String(),
			Value: field.Get("value").String(),
		})
		return true
	})
	return item
}

// Field extracts a named value from the item. The names password, username,
// totp, and notes map to the structured fields; any other name is matched
// case-sensitively against the custom fields array. The second return is
// false when the field is absent.
func (i Item) Field(name string) (string, bool) {
	switch name {
	case "password":
		return i.Password, i.Password != ""
	case "username":
		return i.Username, i.Username != ""
	case "totp":
		return i.TOTP, i.TOTP != ""
	case "notes":
		return i.Notes, i.Notes != ""
	}
	for _, field := range i.Fields {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}
