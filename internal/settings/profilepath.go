/*
Copyright 2024 The Deployrs Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settings

import "fmt"

// DeriveProfilePath implements the profile_path derivation rule: an
// explicit path wins outright; otherwise root users get the plain system
// profile path and everyone else gets a per-user profile path.
func DeriveProfilePath(explicit *string, user, profileName string) string {
	if explicit != nil && *explicit != "" {
		return *explicit
	}
	if user == "root" {
		return fmt.Sprintf("/nix/var/nix/profiles/%s", profileName)
	}
	return fmt.Sprintf("/nix/var/nix/profiles/per-user/%s/%s", user, profileName)
}
