package wsserver

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed all:web
var webContent embed.FS

// webFS devolve um http.FileSystem apontando para o conteúdo embarcado da
// pasta web/, servindo index.html como raiz — o placeholder estático da UI
// de controle, substituível sem recompilar o binário uma vez que o
// cliente real é servido separadamente.
func webFS() http.FileSystem {
	sub, err := fs.Sub(webContent, "web")
	if err != nil {
		panic("embedded web content missing: " + err.Error())
	}
	return http.FS(sub)
}
