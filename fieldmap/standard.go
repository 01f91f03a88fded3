package fieldmap

// standardAliases maps normalized submission keys to canonical CRM api names.
// An alias only applies when its target exists in the module schema.
var standardAliases = map[string]string{
	// Email
	"email":        "Email",
	"emailaddress": "Email",
	"mail":         "Email",
	"youremail":    "Email",
	"workemail":    "Email",

	// Names. A single full-name value goes to Last_Name, which is the
	// mandatory name field on lead-like modules.
	"fullname":    "Last_Name",
	"name":        "Last_Name",
	"yourname":    "Last_Name",
	"contactname": "Last_Name",
	"lastname":    "Last_Name",
	"surname":     "Last_Name",
	"familyname":  "Last_Name",
	"firstname":   "First_Name",
	"givenname":   "First_Name",
	"forename":    "First_Name",

	// Phone
	"phone":       "Phone",
	"phonenumber": "Phone",
	"telephone":   "Phone",
	"tel":         "Phone",
	"mobile":      "Mobile",
	"mobilephone": "Mobile",
	"cell":        "Mobile",
	"cellphone":   "Mobile",

	// Organization
	"company":      "Company",
	"companyname":  "Company",
	"organization": "Company",
	"organisation": "Company",
	"business":     "Company",
	"jobtitle":     "Designation",
	"title":        "Designation",
	"position":     "Designation",
	"website":      "Website",
	"url":          "Website",
	"homepage":     "Website",

	// Free text
	"message":     "Description",
	"comments":    "Description",
	"comment":     "Description",
	"notes":       "Description",
	"description": "Description",
	"inquiry":     "Description",
	"enquiry":     "Description",

	// Address
	"street":        "Street",
	"address":       "Street",
	"streetaddress": "Street",
	"city":          "City",
	"state":         "State",
	"province":      "State",
	"region":        "State",
	"zip":           "Zip_Code",
	"zipcode":       "Zip_Code",
	"postalcode":    "Zip_Code",
	"postcode":      "Zip_Code",
	"country":       "Country",

	"leadsource": "Lead_Source",
	"source":     "Lead_Source",
}

// StandardTarget returns the canonical api name for a normalized key.
func StandardTarget(normalizedKey string) (string, bool) {
	target, ok := standardAliases[normalizedKey]
	return target, ok
}
